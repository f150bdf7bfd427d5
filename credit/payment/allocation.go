package payment

import (
	"fmt"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/es"
)

type AllocationEvent interface {
	es.Event
	isAllocationEvent()
}

type AllocationInitialized struct {
	NewAllocation
	LedgerTxID uuid.UUID       `json:"ledger_tx_id"`
	Audit      authz.AuditInfo `json:"audit"`
}

func (AllocationInitialized) EventType() string  { return "initialized" }
func (AllocationInitialized) isAllocationEvent() {}

func NewAllocationCodec() *es.Codec[AllocationEvent] {
	c := es.NewCodec[AllocationEvent]()
	es.Register[AllocationEvent, AllocationInitialized](c)
	return c
}

// Allocation is the durable record of one NewAllocation.
type Allocation struct {
	NewAllocation
	LedgerTxID uuid.UUID

	events es.EntityEvents[AllocationEvent]
}

func NewAllocationEntity(a NewAllocation, txID uuid.UUID, audit authz.AuditInfo) *Allocation {
	return &Allocation{
		NewAllocation: a,
		LedgerTxID:    txID,
		events:        es.New[AllocationEvent](a.ID, AllocationInitialized{NewAllocation: a, LedgerTxID: txID, Audit: audit}),
	}
}

func AllocationFromEvents(events es.EntityEvents[AllocationEvent]) (*Allocation, error) {
	for _, ev := range events.All() {
		if e, ok := ev.(AllocationInitialized); ok {
			return &Allocation{NewAllocation: e.NewAllocation, LedgerTxID: e.LedgerTxID, events: events}, nil
		}
	}
	return nil, fmt.Errorf("%w: allocation %s has no initialized event", es.ErrReconstruction, events.EntityID())
}

func (a *Allocation) Events() *es.EntityEvents[AllocationEvent] { return &a.events }
