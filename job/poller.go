package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"creditcore/es"
)

type PollerConfig struct {
	PollInterval   time.Duration
	MaxConcurrency int
	// LeaseDuration is how long a claimed job stays owned without a heartbeat.
	LeaseDuration time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{PollInterval: time.Second, MaxConcurrency: 20, LeaseDuration: 30 * time.Second}
}

// Poller claims due jobs and runs them with bounded concurrency. Several pollers may share one
// database; SKIP LOCKED claiming plus leases keeps each job on a single poller at a time.
type Poller struct {
	db       DB
	store    store
	registry *Registry
	cfg      PollerConfig
	logger   *slog.Logger
	now      func() time.Time
	instance uuid.UUID
	trigger  chan struct{}
	inFlight atomic.Int64
}

func NewPoller(db DB, registry *Registry, cfg PollerConfig, logger *slog.Logger) *Poller {
	return newPoller(db, NewRepository(db), registry, cfg, logger)
}

func newPoller(db DB, st store, registry *Registry, cfg PollerConfig, logger *slog.Logger) *Poller {
	def := DefaultPollerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	return &Poller{
		db:       db,
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		instance: uuid.New(),
		trigger:  make(chan struct{}, 1),
	}
}

func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Trigger asks the poller to look for due jobs without waiting for the next tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, then waits for running jobs before returning. Runs in flight
// keep an uncancelled context so their current transaction can finish; they learn about the
// shutdown through CurrentJob.ShutdownRequested.
func (p *Poller) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)

	p.logger.Info("job poller started",
		"instance", p.instance,
		"max_concurrency", p.cfg.MaxConcurrency,
		"poll_interval", p.cfg.PollInterval.String(),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx, g); err != nil && ctx.Err() == nil {
			p.logger.Error("job poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("job poller stopping", "in_flight", p.inFlight.Load())
			return g.Wait()
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

func (p *Poller) poll(ctx context.Context, g *errgroup.Group) error {
	free := p.cfg.MaxConcurrency - int(p.inFlight.Load())
	if free <= 0 || ctx.Err() != nil {
		return nil
	}

	now := p.now()
	jobs, err := p.store.claimDue(ctx, now, free, p.instance, now.Add(p.cfg.LeaseDuration))
	if err != nil {
		return err
	}
	for _, j := range jobs {
		p.inFlight.Add(1)
		g.Go(func() error {
			defer p.Trigger()
			defer p.inFlight.Add(-1)
			p.execute(ctx, j)
			return nil
		})
	}
	return nil
}

func (p *Poller) execute(ctx context.Context, j *Job) {
	bg := context.WithoutCancel(ctx)
	logger := p.logger.With("job_id", j.ID, "job_type", j.Type, "attempt", j.Attempt)

	init, ok := p.registry.lookup(j.Type)
	if !ok {
		logger.Error("job has no registered initializer")
		p.settle(logger, p.store.fail(bg, j.ID, p.instance, fmt.Sprintf("%s: %s", ErrUnknownType, j.Type)))
		return
	}
	runner, err := init.Init(j)
	if err != nil {
		logger.Error("job init failed", "error", err)
		p.settle(logger, p.store.fail(bg, j.ID, p.instance, err.Error()))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(bg)
	go p.heartbeat(hbCtx, logger, j.ID)

	started := p.now()
	completion, err := run(bg, runner, &CurrentJob{job: j, db: p.db, store: p.store, shutdown: ctx.Done()})
	stopHeartbeat()

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			logger.Info("job interrupted by shutdown")
			p.settle(logger, p.store.release(bg, j.ID, p.instance, p.now()))
			return
		}
		p.failed(bg, logger, j, init.RetryPolicy(), err)
		return
	}

	if err := p.finish(bg, j, completion); err != nil {
		logger.Error("job completion failed", "completion", completion.String(), "error", err)
		if !errors.Is(err, ErrLeaseLost) {
			p.settle(logger, p.store.retry(bg, j.ID, p.instance, p.now(), err.Error()))
		}
		return
	}
	logger.Debug("job run finished", "completion", completion.String(), "duration", p.now().Sub(started).String())
	if completion.kind == rescheduleNowKind {
		p.Trigger()
	}
}

func (p *Poller) failed(ctx context.Context, logger *slog.Logger, j *Job, policy RetryPolicy, runErr error) {
	if policy.Exhausted(j.Attempt) {
		logger.Error("job errored, retries exhausted", "error", runErr)
		p.settle(logger, p.store.fail(ctx, j.ID, p.instance, runErr.Error()))
		return
	}
	backoff := policy.Backoff(j.Attempt)
	logger.Warn("job run failed, retrying", "error", runErr, "backoff", backoff.String())
	p.settle(logger, p.store.retry(ctx, j.ID, p.instance, p.now().Add(backoff), runErr.Error()))
}

func (p *Poller) finish(ctx context.Context, j *Job, c Completion) error {
	var q es.DBTX = p.db
	if c.tx != nil {
		q = c.tx
	}

	now := p.now()
	var err error
	switch c.kind {
	case completeKind:
		err = p.store.complete(ctx, q, j.ID, p.instance, now)
	case rescheduleAtKind:
		err = p.store.reschedule(ctx, q, j.ID, p.instance, c.at, now)
	default:
		err = p.store.reschedule(ctx, q, j.ID, p.instance, now, now)
	}

	if c.tx == nil {
		return err
	}
	if err != nil {
		_ = c.tx.Rollback(ctx)
		return err
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("job: commit completion: %w", err)
	}
	return nil
}

func (p *Poller) heartbeat(ctx context.Context, logger *slog.Logger, id uuid.UUID) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.extendLease(ctx, id, p.instance, p.now().Add(p.cfg.LeaseDuration)); err != nil {
				logger.Warn("job lease extension failed", "error", err)
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}

func (p *Poller) settle(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("job state update failed", "error", err)
	}
}

func run(ctx context.Context, r Runner, current *CurrentJob) (c Completion, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job: runner panicked: %v", rec)
		}
	}()
	return r.Run(ctx, current)
}
