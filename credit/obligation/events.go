package obligation

import (
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/es"
	"creditcore/ledger"
	"creditcore/money"
)

type Event interface {
	es.Event
	isObligationEvent()
}

type Initialized struct {
	ID                uuid.UUID        `json:"id"`
	FacilityID        uuid.UUID        `json:"facility_id"`
	Type              Type             `json:"type"`
	Amount            money.UsdCents   `json:"amount"`
	Reference         string           `json:"reference"`
	ReceivableAccount ledger.AccountID `json:"receivable_account"`
	LedgerTxID        uuid.UUID        `json:"ledger_tx_id"`
	EffectiveAt       time.Time        `json:"effective_at"`
	DueAt             time.Time        `json:"due_at"`
	OverdueAt         *time.Time       `json:"overdue_at,omitempty"`
	DefaultedAt       *time.Time       `json:"defaulted_at,omitempty"`
	Audit             authz.AuditInfo  `json:"audit"`
}

type DueRecorded struct {
	At time.Time `json:"at"`
}

type OverdueRecorded struct {
	At time.Time `json:"at"`
}

type DefaultedRecorded struct {
	At time.Time `json:"at"`
}

type PaymentAllocated struct {
	PaymentID    uuid.UUID      `json:"payment_id"`
	AllocationID uuid.UUID      `json:"allocation_id"`
	Amount       money.UsdCents `json:"amount"`
	At           time.Time      `json:"at"`
}

type Completed struct {
	At time.Time `json:"at"`
}

func (Initialized) EventType() string       { return "initialized" }
func (DueRecorded) EventType() string       { return "due_recorded" }
func (OverdueRecorded) EventType() string   { return "overdue_recorded" }
func (DefaultedRecorded) EventType() string { return "defaulted_recorded" }
func (PaymentAllocated) EventType() string  { return "payment_allocated" }
func (Completed) EventType() string         { return "completed" }

func (Initialized) isObligationEvent()       {}
func (DueRecorded) isObligationEvent()       {}
func (OverdueRecorded) isObligationEvent()   {}
func (DefaultedRecorded) isObligationEvent() {}
func (PaymentAllocated) isObligationEvent()  {}
func (Completed) isObligationEvent()         {}

func NewCodec() *es.Codec[Event] {
	c := es.NewCodec[Event]()
	es.Register[Event, Initialized](c)
	es.Register[Event, DueRecorded](c)
	es.Register[Event, OverdueRecorded](c)
	es.Register[Event, DefaultedRecorded](c)
	es.Register[Event, PaymentAllocated](c)
	es.Register[Event, Completed](c)
	return c
}
