// Package payment holds customer payments and the allocation of a payment across obligations.
package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/es"
	"creditcore/money"
)

var ErrInvalidAmount = errors.New("payment: amount must be positive")

type Event interface {
	es.Event
	isPaymentEvent()
}

type Initialized struct {
	ID         uuid.UUID       `json:"id"`
	FacilityID uuid.UUID       `json:"facility_id"`
	Amount     money.UsdCents  `json:"amount"`
	ReceivedAt time.Time       `json:"received_at"`
	Audit      authz.AuditInfo `json:"audit"`
}

type AllocationsRecorded struct {
	Breakdown   Breakdown       `json:"breakdown"`
	Unallocated money.UsdCents  `json:"unallocated"`
	Audit       authz.AuditInfo `json:"audit"`
}

func (Initialized) EventType() string         { return "initialized" }
func (AllocationsRecorded) EventType() string { return "allocations_recorded" }
func (Initialized) isPaymentEvent()           {}
func (AllocationsRecorded) isPaymentEvent()   {}

func NewCodec() *es.Codec[Event] {
	c := es.NewCodec[Event]()
	es.Register[Event, Initialized](c)
	es.Register[Event, AllocationsRecorded](c)
	return c
}

type Payment struct {
	ID         uuid.UUID
	FacilityID uuid.UUID
	Amount     money.UsdCents
	ReceivedAt time.Time

	events es.EntityEvents[Event]
}

func New(id, facilityID uuid.UUID, amount money.UsdCents, receivedAt time.Time, audit authz.AuditInfo) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return FromEvents(es.New[Event](id, Initialized{
		ID: id, FacilityID: facilityID, Amount: amount, ReceivedAt: receivedAt, Audit: audit,
	}))
}

func FromEvents(events es.EntityEvents[Event]) (*Payment, error) {
	p := &Payment{events: events}
	for _, ev := range events.All() {
		if e, ok := ev.(Initialized); ok {
			p.ID, p.FacilityID, p.Amount, p.ReceivedAt = e.ID, e.FacilityID, e.Amount, e.ReceivedAt
		}
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: payment %s has no initialized event", es.ErrReconstruction, events.EntityID())
	}
	return p, nil
}

func (p *Payment) Events() *es.EntityEvents[Event] { return &p.events }

// Breakdown reports the recorded allocation, false before allocation.
func (p *Payment) Breakdown() (Breakdown, money.UsdCents, bool) {
	for _, ev := range p.events.NewestFirst() {
		if e, ok := ev.(AllocationsRecorded); ok {
			return e.Breakdown, e.Unallocated, true
		}
	}
	return Breakdown{}, 0, false
}

func (p *Payment) RecordAllocations(allocs []NewAllocation, audit authz.AuditInfo) (es.Idempotent[Breakdown], error) {
	if _, _, done := p.Breakdown(); done {
		return es.Ignored[Breakdown](), nil
	}
	b := BreakdownOf(allocs)
	if b.Total() > p.Amount {
		return es.Idempotent[Breakdown]{}, fmt.Errorf("payment: allocated %s exceeds payment %s", b.Total(), p.Amount)
	}
	p.events.Push(AllocationsRecorded{Breakdown: b, Unallocated: p.Amount - b.Total(), Audit: audit})
	return es.Executed(b), nil
}
