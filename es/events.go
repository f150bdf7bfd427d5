package es

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every member of an entity's event union.
type Event interface {
	EventType() string
}

// PersistedEvent is an event together with its position in the entity's stream.
type PersistedEvent[E Event] struct {
	Sequence   int
	Event      E
	RecordedAt time.Time
}

// EntityEvents is the append-only event stream of a single entity. Events loaded from storage
// and events pushed since are kept apart so only the new tail has to be written.
type EntityEvents[E Event] struct {
	entityID  uuid.UUID
	persisted []PersistedEvent[E]
	pending   []E
}

// New starts the stream of an entity that has not been persisted yet.
func New[E Event](entityID uuid.UUID, initial ...E) EntityEvents[E] {
	pending := make([]E, 0, len(initial))
	pending = append(pending, initial...)
	return EntityEvents[E]{entityID: entityID, pending: pending}
}

// Restore rebuilds a stream from storage. Sequences must start at 1 and have no holes.
func Restore[E Event](entityID uuid.UUID, persisted []PersistedEvent[E]) (EntityEvents[E], error) {
	if len(persisted) == 0 {
		return EntityEvents[E]{}, fmt.Errorf("%w: %s has no events", ErrReconstruction, entityID)
	}
	for i, p := range persisted {
		if p.Sequence != i+1 {
			return EntityEvents[E]{}, fmt.Errorf("%w: %s expected sequence %d, got %d", ErrReconstruction, entityID, i+1, p.Sequence)
		}
	}
	out := make([]PersistedEvent[E], len(persisted))
	copy(out, persisted)
	return EntityEvents[E]{entityID: entityID, persisted: out}, nil
}

func (e *EntityEvents[E]) EntityID() uuid.UUID { return e.entityID }

// Push appends a new, not yet persisted event.
func (e *EntityEvents[E]) Push(event E) {
	e.pending = append(e.pending, event)
}

// All returns persisted then new events in append order.
func (e *EntityEvents[E]) All() []E {
	out := make([]E, 0, len(e.persisted)+len(e.pending))
	for _, p := range e.persisted {
		out = append(out, p.Event)
	}
	return append(out, e.pending...)
}

// NewestFirst returns all events in reverse append order.
func (e *EntityEvents[E]) NewestFirst() []E {
	all := e.All()
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// Version is the number of persisted events, the optimistic lock for the next write.
func (e *EntityEvents[E]) Version() int { return len(e.persisted) }

func (e *EntityEvents[E]) Len() int { return len(e.persisted) + len(e.pending) }

func (e *EntityEvents[E]) AnyNew() bool { return len(e.pending) > 0 }

func (e *EntityEvents[E]) NewEvents() []E {
	out := make([]E, len(e.pending))
	copy(out, e.pending)
	return out
}

// CreatedAt is when the first event was recorded, zero for an unsaved entity.
func (e *EntityEvents[E]) CreatedAt() time.Time {
	if len(e.persisted) == 0 {
		return time.Time{}
	}
	return e.persisted[0].RecordedAt
}

// markPersisted moves the new tail into the persisted part and returns it with sequences.
func (e *EntityEvents[E]) markPersisted(recordedAt time.Time) []PersistedEvent[E] {
	start := len(e.persisted)
	for i, ev := range e.pending {
		e.persisted = append(e.persisted, PersistedEvent[E]{
			Sequence:   start + i + 1,
			Event:      ev,
			RecordedAt: recordedAt,
		})
	}
	e.pending = e.pending[:0]
	return e.persisted[start:]
}
