// Package governance runs approval processes. Conclusions are published on the outbox; the
// credit engine reacts to those whose process type it owns.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/es"
	"creditcore/outbox"
)

var ErrProcessNotFound = errors.New("governance: approval process not found")

type ProcessType string

const (
	CreditFacilityApproval ProcessType = "credit-facility-approval"
	DisbursalApproval      ProcessType = "disbursal-approval"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ProcessConcluded is published on the outbox when a process is approved or denied.
type ProcessConcluded struct {
	ProcessID   uuid.UUID   `json:"process_id"`
	ProcessType ProcessType `json:"process_type"`
	TargetID    uuid.UUID   `json:"target_id"`
	Approved    bool        `json:"approved"`
	ConcludedAt time.Time   `json:"concluded_at"`
}

const ProcessConcludedType = "governance.approval_process_concluded"

func (ProcessConcluded) EventType() string { return ProcessConcludedType }

// Persister appends messages to the outbox inside a transaction.
type Persister interface {
	Persist(ctx context.Context, tx pgx.Tx, msgs ...outbox.Message) ([]outbox.PersistentEvent, error)
}

// Governance starts and concludes approval processes.
type Governance struct {
	db          es.TxBeginner
	q           es.DBTX
	outbox      Persister
	autoApprove map[ProcessType]bool
	now         func() time.Time
}

type Option func(*Governance)

// WithAutoApprove concludes new processes of the given types as approved in the starting tx.
func WithAutoApprove(types ...ProcessType) Option {
	return func(g *Governance) {
		for _, t := range types {
			g.autoApprove[t] = true
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Governance) { g.now = now }
}

type DB interface {
	es.DBTX
	es.TxBeginner
}

func New(db DB, ob Persister, opts ...Option) *Governance {
	g := &Governance{db: db, q: db, outbox: ob, autoApprove: make(map[ProcessType]bool), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartProcess registers a pending process inside tx.
func (g *Governance) StartProcess(ctx context.Context, tx pgx.Tx, id uuid.UUID, typ ProcessType, targetID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
INSERT INTO approval_processes (id, process_type, target_id, status, created_at)
VALUES ($1, $2, $3, 'pending', $4)
`, id, string(typ), targetID, g.now().UTC())
	if err != nil {
		return fmt.Errorf("governance: start %s: %w", typ, err)
	}
	if g.autoApprove[typ] {
		if _, err := g.conclude(ctx, tx, id, true); err != nil {
			return err
		}
	}
	return nil
}

// Conclude records an approval decision. A second conclusion is ignored.
func (g *Governance) Conclude(ctx context.Context, id uuid.UUID, approved bool) (es.Idempotent[ProcessConcluded], error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return es.Idempotent[ProcessConcluded]{}, fmt.Errorf("governance: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := g.conclude(ctx, tx, id, approved)
	if err != nil {
		return es.Idempotent[ProcessConcluded]{}, err
	}
	if res.WasIgnored() {
		return res, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return es.Idempotent[ProcessConcluded]{}, fmt.Errorf("governance: commit: %w", err)
	}
	return res, nil
}

func (g *Governance) conclude(ctx context.Context, tx pgx.Tx, id uuid.UUID, approved bool) (es.Idempotent[ProcessConcluded], error) {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	now := g.now().UTC()

	ev := ProcessConcluded{ProcessID: id, Approved: approved, ConcludedAt: now}
	var typ string
	err := tx.QueryRow(ctx, `
UPDATE approval_processes
SET status = $2, concluded_at = $3
WHERE id = $1 AND status = 'pending'
RETURNING process_type, target_id
`, id, string(status), now).Scan(&typ, &ev.TargetID)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := g.status(ctx, tx, id); err != nil {
			return es.Idempotent[ProcessConcluded]{}, err
		}
		return es.Ignored[ProcessConcluded](), nil
	}
	if err != nil {
		return es.Idempotent[ProcessConcluded]{}, fmt.Errorf("governance: conclude %s: %w", id, err)
	}
	ev.ProcessType = ProcessType(typ)

	msg, err := outbox.NewMessage(ProcessConcludedType, ev)
	if err != nil {
		return es.Idempotent[ProcessConcluded]{}, err
	}
	if _, err := g.outbox.Persist(ctx, tx, msg); err != nil {
		return es.Idempotent[ProcessConcluded]{}, err
	}
	return es.Executed(ev), nil
}

// Status is the point query for a process.
func (g *Governance) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	return g.status(ctx, g.q, id)
}

func (g *Governance) status(ctx context.Context, q es.DBTX, id uuid.UUID) (Status, error) {
	var s string
	err := q.QueryRow(ctx, `SELECT status FROM approval_processes WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrProcessNotFound
	}
	if err != nil {
		return "", fmt.Errorf("governance: status %s: %w", id, err)
	}
	return Status(s), nil
}
