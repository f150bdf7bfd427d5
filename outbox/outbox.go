package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditcore/es"
)

const notifyChannel = "outbox_events"

// Sequence is the global, gap-free position of an event in the outbox.
type Sequence int64

// Message is the payload carried by an outbox event. Type doubles as the routing key.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: marshal %s: %w", typ, err)
	}
	return Message{Type: typ, Payload: raw}, nil
}

// PersistentEvent is a stored outbox row. Message is nil for gap placeholders.
type PersistentEvent struct {
	Sequence       Sequence
	Message        *Message
	TracingContext map[string]string
	RecordedAt     time.Time
}

func (e PersistentEvent) IsPlaceholder() bool { return e.Message == nil }

// Outbox appends events inside business transactions and serves them to listeners.
type Outbox struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	tracing func(ctx context.Context) map[string]string
	wake    broadcaster
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Outbox {
	return &Outbox{pool: pool, logger: logger}
}

// WithTracing sets the function that extracts the tracing context stored with each event.
func (o *Outbox) WithTracing(fn func(ctx context.Context) map[string]string) *Outbox {
	o.tracing = fn
	return o
}

// Persist assigns sequence numbers to msgs within tx. The events become visible to listeners
// when tx commits. A collision with a gap placeholder surfaces as es.ErrConcurrentModification
// so the enclosing command is retried.
func (o *Outbox) Persist(ctx context.Context, tx pgx.Tx, msgs ...Message) ([]PersistentEvent, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	var tracing []byte
	if o.tracing != nil {
		if tc := o.tracing(ctx); len(tc) > 0 {
			b, err := json.Marshal(tc)
			if err != nil {
				return nil, fmt.Errorf("outbox: marshal tracing context: %w", err)
			}
			tracing = b
		}
	}

	const insertSQL = `
INSERT INTO outbox_events (sequence, payload, tracing_context, recorded_at)
VALUES (nextval('outbox_events_sequence_seq'), $1, $2, now())
RETURNING sequence, recorded_at
`
	out := make([]PersistentEvent, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("outbox: marshal %s: %w", msg.Type, err)
		}
		ev := PersistentEvent{Message: &msg}
		if err := tx.QueryRow(ctx, insertSQL, body, tracing).Scan(&ev.Sequence, &ev.RecordedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, fmt.Errorf("outbox: sequence taken by placeholder: %w", es.ErrConcurrentModification)
			}
			return nil, fmt.Errorf("outbox: insert event: %w", err)
		}
		out = append(out, ev)
	}

	last := strconv.FormatInt(int64(out[len(out)-1].Sequence), 10)
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, last); err != nil {
		return nil, fmt.Errorf("outbox: notify: %w", err)
	}
	return out, nil
}

// EventsAfter returns up to limit stored events with a sequence greater than after.
func (o *Outbox) EventsAfter(ctx context.Context, after Sequence, limit int) ([]PersistentEvent, error) {
	const selectSQL = `
SELECT sequence, payload, tracing_context, recorded_at
FROM outbox_events
WHERE sequence > $1
ORDER BY sequence
LIMIT $2
`
	rows, err := o.pool.Query(ctx, selectSQL, after, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query events: %w", err)
	}
	defer rows.Close()

	var events []PersistentEvent
	for rows.Next() {
		var (
			ev      PersistentEvent
			payload []byte
			tracing []byte
		)
		if err := rows.Scan(&ev.Sequence, &payload, &tracing, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		if payload != nil {
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("outbox: decode event %d: %w", ev.Sequence, err)
			}
			ev.Message = &msg
		}
		if tracing != nil {
			if err := json.Unmarshal(tracing, &ev.TracingContext); err != nil {
				return nil, fmt.Errorf("outbox: decode tracing context %d: %w", ev.Sequence, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FillGaps stores empty placeholders for sequences that were reserved but never committed.
func (o *Outbox) FillGaps(ctx context.Context, seqs []Sequence) error {
	if len(seqs) == 0 {
		return nil
	}
	raw := make([]int64, len(seqs))
	for i, s := range seqs {
		raw[i] = int64(s)
	}
	const fillSQL = `
INSERT INTO outbox_events (sequence, payload, tracing_context, recorded_at)
SELECT s, NULL, NULL, now() FROM unnest($1::bigint[]) AS s
ON CONFLICT (sequence) DO NOTHING
`
	if _, err := o.pool.Exec(ctx, fillSQL, raw); err != nil {
		return fmt.Errorf("outbox: fill gaps: %w", err)
	}
	o.logger.Warn("outbox gap filled", "from", seqs[0], "to", seqs[len(seqs)-1])
	return nil
}

// Wake returns a channel closed on the next commit notification.
func (o *Outbox) Wake() <-chan struct{} {
	return o.wake.wait()
}

// Run relays LISTEN/NOTIFY wake-ups to listeners until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		err := o.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		o.logger.Warn("outbox notification connection lost", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (o *Outbox) listen(ctx context.Context) error {
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("outbox: acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("outbox: listen: %w", err)
	}
	// events committed while no connection was listening
	o.wake.notify()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		o.wake.notify()
	}
}

type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		close(b.ch)
		b.ch = nil
	}
}
