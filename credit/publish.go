package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/es"
	"creditcore/outbox"
)

// Persister appends messages to the outbox inside a transaction.
type Persister interface {
	Persist(ctx context.Context, tx pgx.Tx, msgs ...outbox.Message) ([]outbox.PersistentEvent, error)
}

// PublicEvent is the payload of every credit message on the outbox.
type PublicEvent struct {
	EntityID   uuid.UUID       `json:"entity_id"`
	Sequence   int             `json:"sequence"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      json.RawMessage `json:"event"`
}

type publisher struct {
	outbox Persister
}

// publish maps newly written entity events to outbox messages named prefix+event type. A nil
// filter publishes every event.
func publish[E es.Event](p *publisher, prefix string, public func(E) bool) es.PersistHook[E] {
	return func(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, events []es.PersistedEvent[E]) error {
		msgs, err := messagesFor(prefix, public, entityID, events)
		if err != nil || len(msgs) == 0 {
			return err
		}
		_, err = p.outbox.Persist(ctx, tx, msgs...)
		return err
	}
}

func messagesFor[E es.Event](prefix string, public func(E) bool, entityID uuid.UUID, events []es.PersistedEvent[E]) ([]outbox.Message, error) {
	msgs := make([]outbox.Message, 0, len(events))
	for _, pe := range events {
		if public != nil && !public(pe.Event) {
			continue
		}
		raw, err := json.Marshal(pe.Event)
		if err != nil {
			return nil, fmt.Errorf("credit: marshal %s: %w", pe.Event.EventType(), err)
		}
		msg, err := outbox.NewMessage(prefix+pe.Event.EventType(), PublicEvent{
			EntityID:   entityID,
			Sequence:   pe.Sequence,
			RecordedAt: pe.RecordedAt,
			Event:      raw,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
