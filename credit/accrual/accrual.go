// Package accrual holds interest accrual cycles. A cycle accrues interest in sub-periods
// (incurrences) and, once every sub-period is recorded, posts the sum as an interest obligation.
package accrual

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/obligation"
	"creditcore/es"
	"creditcore/ledger"
	"creditcore/money"
	"creditcore/terms"
)

var (
	ErrIncurrencesExhausted = errors.New("accrual: cycle has no incurrence periods left")
	ErrNotExhausted         = errors.New("accrual: cycle still has incurrence periods")
	ErrAlreadyPosted        = errors.New("accrual: cycle already posted")
	ErrOutOfOrder           = errors.New("accrual: incurrence period out of order")
)

type Event interface {
	es.Event
	isAccrualEvent()
}

type Initialized struct {
	ID                uuid.UUID        `json:"id"`
	FacilityID        uuid.UUID        `json:"facility_id"`
	Idx               int              `json:"idx"`
	Period            terms.Period     `json:"period"`
	Terms             terms.Terms      `json:"terms"`
	ReceivableAccount ledger.AccountID `json:"receivable_account"`
	IncomeAccount     ledger.AccountID `json:"income_account"`
	Audit             authz.AuditInfo  `json:"audit"`
}

type InterestAccrued struct {
	Period    terms.Period   `json:"period"`
	Principal money.UsdCents `json:"principal"`
	Amount    money.UsdCents `json:"amount"`
	At        time.Time      `json:"at"`
}

type InterestAccrualsPosted struct {
	Total        money.UsdCents  `json:"total"`
	ObligationID *uuid.UUID      `json:"obligation_id,omitempty"`
	LedgerTxID   uuid.UUID       `json:"ledger_tx_id"`
	At           time.Time       `json:"at"`
	Audit        authz.AuditInfo `json:"audit"`
}

func (Initialized) EventType() string            { return "initialized" }
func (InterestAccrued) EventType() string        { return "interest_accrued" }
func (InterestAccrualsPosted) EventType() string { return "interest_accruals_posted" }

func (Initialized) isAccrualEvent()            {}
func (InterestAccrued) isAccrualEvent()        {}
func (InterestAccrualsPosted) isAccrualEvent() {}

func NewCodec() *es.Codec[Event] {
	c := es.NewCodec[Event]()
	es.Register[Event, Initialized](c)
	es.Register[Event, InterestAccrued](c)
	es.Register[Event, InterestAccrualsPosted](c)
	return c
}

// NewCycle is the data needed to start a cycle.
type NewCycle struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	Idx               int
	Period            terms.Period
	Terms             terms.Terms
	ReceivableAccount ledger.AccountID
	IncomeAccount     ledger.AccountID
}

type Cycle struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	Idx               int
	Period            terms.Period
	Terms             terms.Terms
	ReceivableAccount ledger.AccountID
	IncomeAccount     ledger.AccountID

	events es.EntityEvents[Event]
}

func New(n NewCycle, audit authz.AuditInfo) *Cycle {
	c, _ := FromEvents(es.New[Event](n.ID, Initialized{
		ID:                n.ID,
		FacilityID:        n.FacilityID,
		Idx:               n.Idx,
		Period:            n.Period,
		Terms:             n.Terms,
		ReceivableAccount: n.ReceivableAccount,
		IncomeAccount:     n.IncomeAccount,
		Audit:             audit,
	}))
	return c
}

func FromEvents(events es.EntityEvents[Event]) (*Cycle, error) {
	c := &Cycle{events: events}
	for _, ev := range events.All() {
		if e, ok := ev.(Initialized); ok {
			c.ID, c.FacilityID, c.Idx, c.Period, c.Terms = e.ID, e.FacilityID, e.Idx, e.Period, e.Terms
			c.ReceivableAccount, c.IncomeAccount = e.ReceivableAccount, e.IncomeAccount
		}
	}
	if c.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: accrual cycle %s has no initialized event", es.ErrReconstruction, events.EntityID())
	}
	return c, nil
}

func (c *Cycle) Events() *es.EntityEvents[Event] { return &c.events }

func (c *Cycle) lastAccrued() (InterestAccrued, bool) {
	for _, ev := range c.events.NewestFirst() {
		if e, ok := ev.(InterestAccrued); ok {
			return e, true
		}
	}
	return InterestAccrued{}, false
}

// NextIncurrencePeriod is the next sub-period to accrue. It reports false once the cycle end
// was reached.
func (c *Cycle) NextIncurrencePeriod() (terms.Period, bool) {
	next := c.Terms.AccrualInterval.PeriodFrom(c.Period.Start)
	if last, ok := c.lastAccrued(); ok {
		if !last.Period.End.Before(c.Period.End) {
			return terms.Period{}, false
		}
		next = last.Period.Next()
	}
	return next.TruncateAt(c.Period.End)
}

func (c *Cycle) IsExhausted() bool {
	_, ok := c.NextIncurrencePeriod()
	return !ok
}

func (c *Cycle) IsPosted() bool {
	_, ok := c.posted()
	return ok
}

func (c *Cycle) posted() (InterestAccrualsPosted, bool) {
	for _, ev := range c.events.All() {
		if e, ok := ev.(InterestAccrualsPosted); ok {
			return e, true
		}
	}
	return InterestAccrualsPosted{}, false
}

func (c *Cycle) TotalAccrued() money.UsdCents {
	var total money.UsdCents
	for _, ev := range c.events.All() {
		if e, ok := ev.(InterestAccrued); ok {
			total += e.Amount
		}
	}
	return total
}

func (c *Cycle) Incurrences() []InterestAccrued {
	var out []InterestAccrued
	for _, ev := range c.events.All() {
		if e, ok := ev.(InterestAccrued); ok {
			out = append(out, e)
		}
	}
	return out
}

// Incurrence is the effect of recording one sub-period.
type Incurrence struct {
	Period       terms.Period
	Amount       money.UsdCents
	CycleTotal   money.UsdCents
	CycleIsEnded bool
}

// RecordIncurrence accrues interest on principal for period, which must be the next
// sub-period. Re-recording an already accrued period is ignored. Zero principal still
// records a zero amount so periods stay contiguous.
func (c *Cycle) RecordIncurrence(period terms.Period, principal money.UsdCents, at time.Time) (es.Idempotent[Incurrence], error) {
	if c.IsPosted() {
		return es.Idempotent[Incurrence]{}, ErrAlreadyPosted
	}
	next, ok := c.NextIncurrencePeriod()
	if !ok {
		if period.End.After(c.Period.End) {
			return es.Idempotent[Incurrence]{}, ErrIncurrencesExhausted
		}
		return es.Ignored[Incurrence](), nil
	}
	switch {
	case period.Start.Before(next.Start):
		return es.Ignored[Incurrence](), nil
	case !period.Start.Equal(next.Start) || !period.End.Equal(next.End):
		return es.Idempotent[Incurrence]{}, fmt.Errorf("%w: got %s, next is %s", ErrOutOfOrder, period, next)
	}
	if principal < 0 {
		principal = 0
	}

	amount := c.Terms.AnnualRate.InterestForPeriod(principal, period.Days())
	c.events.Push(InterestAccrued{Period: period, Principal: principal, Amount: amount, At: at})
	return es.Executed(Incurrence{
		Period:       period,
		Amount:       amount,
		CycleTotal:   c.TotalAccrued(),
		CycleIsEnded: c.IsExhausted(),
	}), nil
}

// Posting is the effect of concluding a cycle. NewObligation is nil when nothing accrued.
type Posting struct {
	Total         money.UsdCents
	LedgerTxID    uuid.UUID
	NewObligation *obligation.NewObligation
}

// Conclude posts the accumulated interest once every sub-period was recorded.
func (c *Cycle) Conclude(obligationID, txID uuid.UUID, at time.Time, audit authz.AuditInfo) (es.Idempotent[Posting], error) {
	if c.IsPosted() {
		return es.Ignored[Posting](), nil
	}
	if !c.IsExhausted() {
		return es.Idempotent[Posting]{}, ErrNotExhausted
	}

	total := c.TotalAccrued()
	p := Posting{Total: total, LedgerTxID: txID}
	ev := InterestAccrualsPosted{Total: total, LedgerTxID: txID, At: at, Audit: audit}
	if total > 0 {
		dueAt := c.Period.End.AddDate(0, 0, c.Terms.InterestDueAfterDays)
		overdueAt, defaultedAt := c.Terms.ObligationTimeline(dueAt)
		p.NewObligation = &obligation.NewObligation{
			ID:                obligationID,
			FacilityID:        c.FacilityID,
			Type:              obligation.TypeInterest,
			Amount:            total,
			Reference:         fmt.Sprintf("interest-cycle-%d", c.Idx),
			ReceivableAccount: c.ReceivableAccount,
			LedgerTxID:        txID,
			EffectiveAt:       c.Period.End,
			DueAt:             dueAt,
			OverdueAt:         overdueAt,
			DefaultedAt:       defaultedAt,
		}
		ev.ObligationID = &obligationID
	}
	c.events.Push(ev)
	return es.Executed(p), nil
}
