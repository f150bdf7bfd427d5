package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/es"
)

// Jobs spawns jobs inside business transactions.
type Jobs struct {
	repo     *Repository
	registry *Registry
}

func New(db es.DBTX, registry *Registry) *Jobs {
	return &Jobs{repo: NewRepository(db), registry: registry}
}

func (j *Jobs) Registry() *Registry { return j.registry }

func (j *Jobs) Repository() *Repository { return j.repo }

// Spawn creates a pending job due at runAt. The job exists once tx commits.
func (j *Jobs) Spawn(ctx context.Context, tx pgx.Tx, id uuid.UUID, cfg Config, runAt time.Time) (*Job, error) {
	if _, ok := j.registry.lookup(cfg.JobType()); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.JobType())
	}
	created, ok, err := j.repo.insert(ctx, tx, id, nil, cfg, runAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	return created, nil
}

// SpawnUnique creates the job unless another pending or running job holds the same key.
func (j *Jobs) SpawnUnique(ctx context.Context, tx pgx.Tx, id uuid.UUID, key string, cfg Config, runAt time.Time) (es.Idempotent[*Job], error) {
	if _, ok := j.registry.lookup(cfg.JobType()); !ok {
		return es.Idempotent[*Job]{}, fmt.Errorf("%w: %s", ErrUnknownType, cfg.JobType())
	}
	created, ok, err := j.repo.insert(ctx, tx, id, &key, cfg, runAt)
	if err != nil {
		return es.Idempotent[*Job]{}, err
	}
	if !ok {
		return es.Ignored[*Job](), nil
	}
	return es.Executed(created), nil
}
