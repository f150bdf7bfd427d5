package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PersistHook runs inside the writing transaction after new events were appended.
type PersistHook[E Event] func(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, events []PersistedEvent[E]) error

// Repository stores the event streams of one entity type.
type Repository[E Event] struct {
	entityType string
	codec      *Codec[E]
	now        func() time.Time
	hooks      []PersistHook[E]
}

func NewRepository[E Event](entityType string, codec *Codec[E]) *Repository[E] {
	return &Repository[E]{
		entityType: entityType,
		codec:      codec,
		now:        time.Now,
	}
}

func (r *Repository[E]) WithClock(now func() time.Time) *Repository[E] {
	r.now = now
	return r
}

// OnPersist registers a hook, typically an outbox publisher.
func (r *Repository[E]) OnPersist(hook PersistHook[E]) *Repository[E] {
	r.hooks = append(r.hooks, hook)
	return r
}

func (r *Repository[E]) EntityType() string { return r.entityType }

// Create registers a new entity and writes its initial events.
func (r *Repository[E]) Create(ctx context.Context, tx pgx.Tx, parentID *uuid.UUID, events *EntityEvents[E]) error {
	if events.Version() != 0 {
		return fmt.Errorf("es: create %s %s: already persisted", r.entityType, events.EntityID())
	}
	if !events.AnyNew() {
		return fmt.Errorf("es: create %s %s: no events", r.entityType, events.EntityID())
	}

	const insertSQL = `
INSERT INTO entities (id, entity_type, parent_id, created_at)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.Exec(ctx, insertSQL, events.EntityID(), r.entityType, parentID, r.now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEntity
		}
		return fmt.Errorf("es: insert %s entity: %w", r.entityType, err)
	}

	_, err := r.append(ctx, tx, events)
	return err
}

// Update appends the new events of an already created entity and returns how many were written.
// Losing the race against another writer yields ErrConcurrentModification.
func (r *Repository[E]) Update(ctx context.Context, tx pgx.Tx, events *EntityEvents[E]) (int, error) {
	if !events.AnyNew() {
		return 0, nil
	}
	return r.append(ctx, tx, events)
}

func (r *Repository[E]) append(ctx context.Context, tx pgx.Tx, events *EntityEvents[E]) (int, error) {
	const insertSQL = `
INSERT INTO entity_events (entity_id, sequence, event_type, event, recorded_at)
VALUES ($1, $2, $3, $4, $5)
`
	recordedAt := r.now().UTC()
	version := events.Version()
	pending := events.NewEvents()
	for i, ev := range pending {
		tag, raw, err := r.codec.Encode(ev)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, insertSQL, events.EntityID(), version+i+1, tag, raw, recordedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return 0, ErrConcurrentModification
			}
			return 0, fmt.Errorf("es: append %s event: %w", r.entityType, err)
		}
	}

	written := events.markPersisted(recordedAt)
	for _, hook := range r.hooks {
		if err := hook(ctx, tx, events.EntityID(), written); err != nil {
			return 0, err
		}
	}
	return len(written), nil
}

// Load reads the full stream of one entity.
func (r *Repository[E]) Load(ctx context.Context, q DBTX, id uuid.UUID) (EntityEvents[E], error) {
	const selectSQL = `
SELECT ev.sequence, ev.event_type, ev.event, ev.recorded_at
FROM entity_events ev
JOIN entities e ON e.id = ev.entity_id
WHERE ev.entity_id = $1 AND e.entity_type = $2
ORDER BY ev.sequence
`
	rows, err := q.Query(ctx, selectSQL, id, r.entityType)
	if err != nil {
		return EntityEvents[E]{}, fmt.Errorf("es: load %s %s: %w", r.entityType, id, err)
	}
	defer rows.Close()

	var persisted []PersistedEvent[E]
	for rows.Next() {
		var (
			seq        int
			tag        string
			raw        json.RawMessage
			recordedAt time.Time
		)
		if err := rows.Scan(&seq, &tag, &raw, &recordedAt); err != nil {
			return EntityEvents[E]{}, fmt.Errorf("es: scan %s event: %w", r.entityType, err)
		}
		ev, ok, err := r.codec.Decode(tag, raw)
		if err != nil {
			return EntityEvents[E]{}, fmt.Errorf("%s %s seq %d: %w", r.entityType, id, seq, err)
		}
		if !ok {
			return EntityEvents[E]{}, fmt.Errorf("%w: %s %s seq %d has unknown type %q", ErrReconstruction, r.entityType, id, seq, tag)
		}
		persisted = append(persisted, PersistedEvent[E]{Sequence: seq, Event: ev, RecordedAt: recordedAt})
	}
	if err := rows.Err(); err != nil {
		return EntityEvents[E]{}, fmt.Errorf("es: load %s %s: %w", r.entityType, id, err)
	}
	if len(persisted) == 0 {
		return EntityEvents[E]{}, ErrNotFound
	}
	return Restore(id, persisted)
}

// ListByParent loads every entity of this type whose parent is parentID, oldest first.
func (r *Repository[E]) ListByParent(ctx context.Context, q DBTX, parentID uuid.UUID) ([]EntityEvents[E], error) {
	ids, err := r.listIDs(ctx, q, `
SELECT id FROM entities
WHERE entity_type = $1 AND parent_id = $2
ORDER BY created_at, id
`, r.entityType, parentID)
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, q, ids)
}

// IDs lists the ids of every entity of this type, oldest first.
func (r *Repository[E]) IDs(ctx context.Context, q DBTX) ([]uuid.UUID, error) {
	return r.listIDs(ctx, q, `SELECT id FROM entities WHERE entity_type = $1 ORDER BY created_at, id`, r.entityType)
}

func (r *Repository[E]) listIDs(ctx context.Context, q DBTX, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("es: list %s: %w", r.entityType, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("es: scan %s id: %w", r.entityType, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository[E]) loadMany(ctx context.Context, q DBTX, ids []uuid.UUID) ([]EntityEvents[E], error) {
	out := make([]EntityEvents[E], 0, len(ids))
	for _, id := range ids {
		ev, err := r.Load(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
