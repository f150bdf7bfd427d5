package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/es"
)

// store is the persistence used by the poller and running jobs.
type store interface {
	claimDue(ctx context.Context, now time.Time, limit int, instance uuid.UUID, leaseUntil time.Time) ([]*Job, error)
	extendLease(ctx context.Context, id, instance uuid.UUID, until time.Time) error
	complete(ctx context.Context, q es.DBTX, id, instance uuid.UUID, at time.Time) error
	reschedule(ctx context.Context, q es.DBTX, id, instance uuid.UUID, runAt, at time.Time) error
	retry(ctx context.Context, id, instance uuid.UUID, runAt time.Time, lastErr string) error
	fail(ctx context.Context, id, instance uuid.UUID, lastErr string) error
	release(ctx context.Context, id, instance uuid.UUID, at time.Time) error
	saveExecutionState(ctx context.Context, q es.DBTX, id uuid.UUID, state json.RawMessage) error
}

// Repository persists jobs in Postgres.
type Repository struct {
	db es.DBTX
}

func NewRepository(db es.DBTX) *Repository {
	return &Repository{db: db}
}

func (r *Repository) insert(ctx context.Context, tx pgx.Tx, id uuid.UUID, uniqueKey *string, cfg Config, runAt time.Time) (*Job, bool, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("job: marshal %s config: %w", cfg.JobType(), err)
	}

	const insertSQL = `
INSERT INTO jobs (id, job_type, unique_key, config, state, attempt, next_run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, now(), now())
ON CONFLICT DO NOTHING
RETURNING id
`
	var inserted uuid.UUID
	err = tx.QueryRow(ctx, insertSQL, id, string(cfg.JobType()), uniqueKey, raw, runAt.UTC()).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("job: insert %s: %w", cfg.JobType(), err)
	}

	return &Job{
		ID:        id,
		Type:      cfg.JobType(),
		UniqueKey: uniqueKey,
		State:     StatePending,
		NextRunAt: runAt,
		config:    raw,
	}, true, nil
}

// Find loads a job by id.
func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*Job, error) {
	const selectSQL = `
SELECT id, job_type, unique_key, config, execution_state, state, attempt, next_run_at, COALESCE(last_error, '')
FROM jobs WHERE id = $1
`
	var (
		j   Job
		typ string
		st  string
	)
	err := r.db.QueryRow(ctx, selectSQL, id).Scan(&j.ID, &typ, &j.UniqueKey, &j.config, &j.executionState, &st, &j.Attempt, &j.NextRunAt, &j.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, es.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: find %s: %w", id, err)
	}
	j.Type = Type(typ)
	j.State = State(st)
	return &j, nil
}

func (r *Repository) claimDue(ctx context.Context, now time.Time, limit int, instance uuid.UUID, leaseUntil time.Time) ([]*Job, error) {
	const claimSQL = `
WITH due AS (
    SELECT id FROM jobs
    WHERE (state = 'pending' AND next_run_at <= $1)
       OR (state = 'running' AND lease_expires_at < $1)
    ORDER BY next_run_at
    FOR UPDATE SKIP LOCKED
    LIMIT $2
)
UPDATE jobs j
SET state = 'running',
    attempt = j.attempt + 1,
    poller_instance = $3,
    lease_expires_at = $4,
    updated_at = $1
FROM due
WHERE j.id = due.id
RETURNING j.id, j.job_type, j.unique_key, j.config, j.execution_state, j.attempt, j.next_run_at
`
	rows, err := r.db.Query(ctx, claimSQL, now.UTC(), limit, instance, leaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("job: claim due: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			j   Job
			typ string
		)
		if err := rows.Scan(&j.ID, &typ, &j.UniqueKey, &j.config, &j.executionState, &j.Attempt, &j.NextRunAt); err != nil {
			return nil, fmt.Errorf("job: scan claimed: %w", err)
		}
		j.Type = Type(typ)
		j.State = StateRunning
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (r *Repository) extendLease(ctx context.Context, id, instance uuid.UUID, until time.Time) error {
	return r.exec(ctx, r.db, "extend lease", `
UPDATE jobs SET lease_expires_at = $3
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, until.UTC())
}

func (r *Repository) complete(ctx context.Context, q es.DBTX, id, instance uuid.UUID, at time.Time) error {
	return r.exec(ctx, q, "complete", `
UPDATE jobs
SET state = 'completed', attempt = 0, lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, at.UTC())
}

func (r *Repository) reschedule(ctx context.Context, q es.DBTX, id, instance uuid.UUID, runAt, at time.Time) error {
	return r.exec(ctx, q, "reschedule", `
UPDATE jobs
SET state = 'pending', attempt = 0, next_run_at = $3, lease_expires_at = NULL, last_error = NULL, updated_at = $4
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, runAt.UTC(), at.UTC())
}

func (r *Repository) retry(ctx context.Context, id, instance uuid.UUID, runAt time.Time, lastErr string) error {
	return r.exec(ctx, r.db, "retry", `
UPDATE jobs
SET state = 'pending', next_run_at = $3, lease_expires_at = NULL, last_error = $4, updated_at = now()
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, runAt.UTC(), lastErr)
}

func (r *Repository) fail(ctx context.Context, id, instance uuid.UUID, lastErr string) error {
	return r.exec(ctx, r.db, "fail", `
UPDATE jobs
SET state = 'errored', lease_expires_at = NULL, last_error = $3, updated_at = now()
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, lastErr)
}

// release hands an interrupted run back without counting it as a failed attempt.
func (r *Repository) release(ctx context.Context, id, instance uuid.UUID, at time.Time) error {
	return r.exec(ctx, r.db, "release", `
UPDATE jobs
SET state = 'pending', attempt = GREATEST(attempt - 1, 0), next_run_at = $3, lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND poller_instance = $2 AND state = 'running'
`, id, instance, at.UTC())
}

func (r *Repository) saveExecutionState(ctx context.Context, q es.DBTX, id uuid.UUID, state json.RawMessage) error {
	if _, err := q.Exec(ctx, `UPDATE jobs SET execution_state = $2, updated_at = now() WHERE id = $1`, id, state); err != nil {
		return fmt.Errorf("job: save execution state: %w", err)
	}
	return nil
}

// exec runs a fenced state change; zero affected rows means the lease moved to another poller.
func (r *Repository) exec(ctx context.Context, q es.DBTX, op string, sql string, args ...any) error {
	if q == nil {
		q = r.db
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("job: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}
