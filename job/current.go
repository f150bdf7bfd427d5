package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/es"
)

// DB is the connection pool surface jobs need. *pgxpool.Pool implements it.
type DB interface {
	es.DBTX
	es.TxBeginner
}

// CurrentJob is handed to a Runner for the duration of one run.
type CurrentJob struct {
	job      *Job
	db       DB
	store    store
	shutdown <-chan struct{}
}

func (c *CurrentJob) ID() uuid.UUID { return c.job.ID }

func (c *CurrentJob) Type() Type { return c.job.Type }

// Attempt counts consecutive failed runs, starting at 1 for the current one.
func (c *CurrentJob) Attempt() int { return c.job.Attempt }

func (c *CurrentJob) Config(v any) error { return c.job.Config(v) }

func (c *CurrentJob) DB() DB { return c.db }

// ShutdownRequested is closed when the poller stops. The context passed to Run is not cancelled
// then; long-running runners watch this channel and return between units of work. Returning an
// error wrapping context.Canceled after shutdown releases the job without counting an attempt.
func (c *CurrentJob) ShutdownRequested() <-chan struct{} { return c.shutdown }

func (c *CurrentJob) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: begin: %w", err)
	}
	return tx, nil
}

// ExecutionState decodes the checkpoint saved by a previous run. It reports false when none exists.
func (c *CurrentJob) ExecutionState(v any) (bool, error) {
	if len(c.job.executionState) == 0 || string(c.job.executionState) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(c.job.executionState, v); err != nil {
		return false, fmt.Errorf("job: decode %s execution state: %w", c.job.Type, err)
	}
	return true, nil
}

// UpdateExecutionState stores a checkpoint. Pass the runner's transaction to save it atomically
// with the work it describes, or nil to write it directly.
func (c *CurrentJob) UpdateExecutionState(ctx context.Context, tx pgx.Tx, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("job: marshal %s execution state: %w", c.job.Type, err)
	}
	var q es.DBTX = c.db
	if tx != nil {
		q = tx
	}
	if err := c.store.saveExecutionState(ctx, q, c.job.ID, raw); err != nil {
		return err
	}
	c.job.executionState = raw
	return nil
}
