// Package obligation tracks amounts a facility owes: settled disbursals and posted interest.
package obligation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/es"
	"creditcore/ledger"
	"creditcore/money"
)

var (
	ErrAlreadyPaid                  = errors.New("obligation: already fully paid")
	ErrAllocationExceedsOutstanding = errors.New("obligation: allocation exceeds outstanding amount")
	ErrInvalidAmount                = errors.New("obligation: amount must be positive")
	ErrUnsupportedType              = errors.New("obligation: unsupported obligation type")
)

type Type string

const (
	TypeDisbursal Type = "disbursal"
	TypeInterest  Type = "interest"
)

func (t Type) Valid() bool { return t == TypeDisbursal || t == TypeInterest }

type Status string

const (
	StatusNotYetDue Status = "not_yet_due"
	StatusDue       Status = "due"
	StatusOverdue   Status = "overdue"
	StatusDefaulted Status = "defaulted"
	StatusPaid      Status = "paid"
)

func (s Status) rank() int {
	switch s {
	case StatusDue:
		return 1
	case StatusOverdue:
		return 2
	case StatusDefaulted:
		return 3
	default:
		return 0
	}
}

// NewObligation is the data needed to create an obligation.
type NewObligation struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	Type              Type
	Amount            money.UsdCents
	Reference         string
	ReceivableAccount ledger.AccountID
	LedgerTxID        uuid.UUID
	EffectiveAt       time.Time
	DueAt             time.Time
	OverdueAt         *time.Time
	DefaultedAt       *time.Time
}

type Obligation struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	Type              Type
	InitialAmount     money.UsdCents
	Reference         string
	ReceivableAccount ledger.AccountID
	EffectiveAt       time.Time
	DueAt             time.Time
	OverdueAt         *time.Time
	DefaultedAt       *time.Time

	events es.EntityEvents[Event]
}

func New(n NewObligation, audit authz.AuditInfo) (*Obligation, error) {
	if !n.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, n.Type)
	}
	if n.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return FromEvents(es.New[Event](n.ID, Initialized{
		ID:                n.ID,
		FacilityID:        n.FacilityID,
		Type:              n.Type,
		Amount:            n.Amount,
		Reference:         n.Reference,
		ReceivableAccount: n.ReceivableAccount,
		LedgerTxID:        n.LedgerTxID,
		EffectiveAt:       n.EffectiveAt,
		DueAt:             n.DueAt,
		OverdueAt:         n.OverdueAt,
		DefaultedAt:       n.DefaultedAt,
		Audit:             audit,
	}))
}

// FromEvents rebuilds an obligation. Derived values are always recomputed from the events.
func FromEvents(events es.EntityEvents[Event]) (*Obligation, error) {
	o := &Obligation{events: events}
	for _, ev := range events.All() {
		if e, ok := ev.(Initialized); ok {
			o.ID = e.ID
			o.FacilityID = e.FacilityID
			o.Type = e.Type
			o.InitialAmount = e.Amount
			o.Reference = e.Reference
			o.ReceivableAccount = e.ReceivableAccount
			o.EffectiveAt = e.EffectiveAt
			o.DueAt = e.DueAt
			o.OverdueAt = e.OverdueAt
			o.DefaultedAt = e.DefaultedAt
		}
	}
	if o.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: obligation %s has no initialized event", es.ErrReconstruction, events.EntityID())
	}
	return o, nil
}

func (o *Obligation) Events() *es.EntityEvents[Event] { return &o.events }

// Outstanding is the initial amount less every allocated payment.
func (o *Obligation) Outstanding() money.UsdCents {
	out := o.InitialAmount
	for _, ev := range o.events.All() {
		if e, ok := ev.(PaymentAllocated); ok {
			out -= e.Amount
		}
	}
	return out
}

func (o *Obligation) IsPaid() bool { return o.Outstanding() == 0 }

// AllocationCount is the number of payments applied so far.
func (o *Obligation) AllocationCount() int {
	n := 0
	for _, ev := range o.events.All() {
		if _, ok := ev.(PaymentAllocated); ok {
			n++
		}
	}
	return n
}

// Status is the status recorded through events.
func (o *Obligation) Status() Status {
	if o.IsPaid() {
		return StatusPaid
	}
	status := StatusNotYetDue
	for _, ev := range o.events.All() {
		switch ev.(type) {
		case DueRecorded:
			status = StatusDue
		case OverdueRecorded:
			status = StatusOverdue
		case DefaultedRecorded:
			status = StatusDefaulted
		}
	}
	return status
}

// ExpectedStatus is the status the timeline dictates at now.
func (o *Obligation) ExpectedStatus(now time.Time) Status {
	switch {
	case o.IsPaid():
		return StatusPaid
	case o.DefaultedAt != nil && !now.Before(*o.DefaultedAt):
		return StatusDefaulted
	case o.OverdueAt != nil && !now.Before(*o.OverdueAt):
		return StatusOverdue
	case !now.Before(o.DueAt):
		return StatusDue
	default:
		return StatusNotYetDue
	}
}

// MissedTransition reports a recorded status lagging behind the timeline.
func (o *Obligation) MissedTransition(now time.Time) bool {
	return o.Status() != o.ExpectedStatus(now)
}

// NextTransitionAt is when the next timeline step is due. It reports false for paid obligations
// and those that reached their last step.
func (o *Obligation) NextTransitionAt() (time.Time, bool) {
	if o.IsPaid() {
		return time.Time{}, false
	}
	switch o.Status() {
	case StatusNotYetDue:
		return o.DueAt, true
	case StatusDue:
		if o.OverdueAt != nil {
			return *o.OverdueAt, true
		}
		if o.DefaultedAt != nil {
			return *o.DefaultedAt, true
		}
	case StatusOverdue:
		if o.DefaultedAt != nil {
			return *o.DefaultedAt, true
		}
	}
	return time.Time{}, false
}

// UpdateStatus records every timeline step reached by now.
func (o *Obligation) UpdateStatus(now time.Time) es.Idempotent[Status] {
	current, expected := o.Status(), o.ExpectedStatus(now)
	if expected == StatusPaid || expected.rank() <= current.rank() {
		return es.Ignored[Status]()
	}
	for r := current.rank() + 1; r <= expected.rank(); r++ {
		switch r {
		case 1:
			o.events.Push(DueRecorded{At: now})
		case 2:
			if o.OverdueAt != nil {
				o.events.Push(OverdueRecorded{At: now})
			}
		case 3:
			o.events.Push(DefaultedRecorded{At: now})
		}
	}
	return es.Executed(o.Status())
}

// Allocation is one payment slice applied to this obligation.
type Allocation struct {
	PaymentID    uuid.UUID
	AllocationID uuid.UUID
	Amount       money.UsdCents
	At           time.Time
}

// AllocatePayment applies a slice of a payment. A payment already applied is ignored.
func (o *Obligation) AllocatePayment(a Allocation) (es.Idempotent[money.UsdCents], error) {
	for _, ev := range o.events.All() {
		if e, ok := ev.(PaymentAllocated); ok && e.PaymentID == a.PaymentID {
			return es.Ignored[money.UsdCents](), nil
		}
	}
	if a.Amount <= 0 {
		return es.Idempotent[money.UsdCents]{}, ErrInvalidAmount
	}
	outstanding := o.Outstanding()
	if outstanding == 0 {
		return es.Idempotent[money.UsdCents]{}, ErrAlreadyPaid
	}
	if a.Amount > outstanding {
		return es.Idempotent[money.UsdCents]{}, fmt.Errorf("%w: %s > %s", ErrAllocationExceedsOutstanding, a.Amount, outstanding)
	}

	o.events.Push(PaymentAllocated{PaymentID: a.PaymentID, AllocationID: a.AllocationID, Amount: a.Amount, At: a.At})
	remaining := outstanding - a.Amount
	if remaining == 0 {
		o.events.Push(Completed{At: a.At})
	}
	return es.Executed(remaining), nil
}
