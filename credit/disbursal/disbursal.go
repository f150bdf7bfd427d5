// Package disbursal holds draws against an active credit facility. A disbursal settles only
// after its approval process concluded positively; settling creates a disbursal obligation.
package disbursal

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
)

var (
	ErrInvalidAmount   = errors.New("disbursal: amount must be positive")
	ErrNotConcluded    = errors.New("disbursal: approval process not concluded")
	ErrApprovalDenied  = errors.New("disbursal: approval was denied")
	ErrAlreadySettled  = errors.New("disbursal: already settled")
	ErrAlreadyCanceled = errors.New("disbursal: already cancelled")
)

type Status string

const (
	StatusNew       Status = "new"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

type Event interface {
	es.Event
	isDisbursalEvent()
}

type Initialized struct {
	ID                uuid.UUID       `json:"id"`
	FacilityID        uuid.UUID       `json:"facility_id"`
	ApprovalProcessID uuid.UUID       `json:"approval_process_id"`
	Idx               int             `json:"idx"`
	Amount            money.UsdCents  `json:"amount"`
	Audit             authz.AuditInfo `json:"audit"`
}

type ApprovalProcessConcluded struct {
	ProcessID uuid.UUID       `json:"process_id"`
	Approved  bool            `json:"approved"`
	Audit     authz.AuditInfo `json:"audit"`
}

type Settled struct {
	ObligationID uuid.UUID       `json:"obligation_id"`
	LedgerTxID   uuid.UUID       `json:"ledger_tx_id"`
	At           time.Time       `json:"at"`
	Audit        authz.AuditInfo `json:"audit"`
}

type Cancelled struct {
	LedgerTxID uuid.UUID       `json:"ledger_tx_id"`
	At         time.Time       `json:"at"`
	Audit      authz.AuditInfo `json:"audit"`
}

func (Initialized) EventType() string              { return "initialized" }
func (ApprovalProcessConcluded) EventType() string { return "approval_process_concluded" }
func (Settled) EventType() string                  { return "settled" }
func (Cancelled) EventType() string                { return "cancelled" }

func (Initialized) isDisbursalEvent()              {}
func (ApprovalProcessConcluded) isDisbursalEvent() {}
func (Settled) isDisbursalEvent()                  {}
func (Cancelled) isDisbursalEvent()                {}

func NewCodec() *es.Codec[Event] {
	c := es.NewCodec[Event]()
	es.Register[Event, Initialized](c)
	es.Register[Event, ApprovalProcessConcluded](c)
	es.Register[Event, Settled](c)
	es.Register[Event, Cancelled](c)
	return c
}

type NewDisbursal struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	ApprovalProcessID uuid.UUID
	Idx               int
	Amount            money.UsdCents
}

type Disbursal struct {
	ID                uuid.UUID
	FacilityID        uuid.UUID
	ApprovalProcessID uuid.UUID
	Idx               int
	Amount            money.UsdCents

	events es.EntityEvents[Event]
}

func New(n NewDisbursal, audit authz.AuditInfo) (*Disbursal, error) {
	if n.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return FromEvents(es.New[Event](n.ID, Initialized{
		ID:                n.ID,
		FacilityID:        n.FacilityID,
		ApprovalProcessID: n.ApprovalProcessID,
		Idx:               n.Idx,
		Amount:            n.Amount,
		Audit:             audit,
	}))
}

func FromEvents(events es.EntityEvents[Event]) (*Disbursal, error) {
	d := &Disbursal{events: events}
	for _, ev := range events.All() {
		if e, ok := ev.(Initialized); ok {
			d.ID, d.FacilityID, d.ApprovalProcessID, d.Idx, d.Amount = e.ID, e.FacilityID, e.ApprovalProcessID, e.Idx, e.Amount
		}
	}
	if d.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: disbursal %s has no initialized event", es.ErrReconstruction, events.EntityID())
	}
	return d, nil
}

func (d *Disbursal) Events() *es.EntityEvents[Event] { return &d.events }

func (d *Disbursal) Status() Status {
	status := StatusNew
	for _, ev := range d.events.All() {
		switch e := ev.(type) {
		case ApprovalProcessConcluded:
			status = StatusDenied
			if e.Approved {
				status = StatusApproved
			}
		case Settled:
			status = StatusSettled
		case Cancelled:
			status = StatusCancelled
		}
	}
	return status
}

// Approved reports the approval decision, false while still pending.
func (d *Disbursal) Approved() (approved, concluded bool) {
	for _, ev := range d.events.All() {
		if e, ok := ev.(ApprovalProcessConcluded); ok {
			return e.Approved, true
		}
	}
	return false, false
}

func (d *Disbursal) IsConcluded() bool {
	s := d.Status()
	return s == StatusSettled || s == StatusCancelled
}

func (d *Disbursal) ApprovalProcessConcluded(approved bool, audit authz.AuditInfo) es.Idempotent[bool] {
	if _, concluded := d.Approved(); concluded {
		return es.Ignored[bool]()
	}
	d.events.Push(ApprovalProcessConcluded{ProcessID: d.ApprovalProcessID, Approved: approved, Audit: audit})
	return es.Executed(approved)
}

// Settlement describes the obligation a settled disbursal creates.
type Settlement struct {
	ObligationID      uuid.UUID
	LedgerTxID        uuid.UUID
	ReceivableAccount ledger.AccountID
	At                time.Time
	DueAt             time.Time
	OverdueAt         *time.Time
	DefaultedAt       *time.Time
}

// Settle records the money as paid out and returns the obligation to create.
func (d *Disbursal) Settle(s Settlement, audit authz.AuditInfo) (es.Idempotent[obligation.NewObligation], error) {
	switch d.Status() {
	case StatusSettled:
		return es.Ignored[obligation.NewObligation](), nil
	case StatusNew:
		return es.Idempotent[obligation.NewObligation]{}, ErrNotConcluded
	case StatusDenied:
		return es.Idempotent[obligation.NewObligation]{}, ErrApprovalDenied
	case StatusCancelled:
		return es.Idempotent[obligation.NewObligation]{}, ErrAlreadyCanceled
	}

	d.events.Push(Settled{ObligationID: s.ObligationID, LedgerTxID: s.LedgerTxID, At: s.At, Audit: audit})
	return es.Executed(obligation.NewObligation{
		ID:                s.ObligationID,
		FacilityID:        d.FacilityID,
		Type:              obligation.TypeDisbursal,
		Amount:            d.Amount,
		Reference:         fmt.Sprintf("disbursal-%d", d.Idx),
		ReceivableAccount: s.ReceivableAccount,
		LedgerTxID:        s.LedgerTxID,
		EffectiveAt:       s.At,
		DueAt:             s.DueAt,
		OverdueAt:         s.OverdueAt,
		DefaultedAt:       s.DefaultedAt,
	}), nil
}

// Cancel closes a denied disbursal.
func (d *Disbursal) Cancel(txID uuid.UUID, at time.Time, audit authz.AuditInfo) (es.Idempotent[struct{}], error) {
	switch d.Status() {
	case StatusCancelled:
		return es.Ignored[struct{}](), nil
	case StatusNew:
		return es.Idempotent[struct{}]{}, ErrNotConcluded
	case StatusSettled:
		return es.Idempotent[struct{}]{}, ErrAlreadySettled
	case StatusApproved:
		return es.Idempotent[struct{}]{}, fmt.Errorf("disbursal: cannot cancel an approved disbursal")
	}
	d.events.Push(Cancelled{LedgerTxID: txID, At: at, Audit: audit})
	return es.Executed(struct{}{}), nil
}
