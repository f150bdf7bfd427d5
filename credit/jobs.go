package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditcore/authz"
	"creditcore/credit/accrual"
	"creditcore/credit/facility"
	"creditcore/es"
	"creditcore/job"
	"creditcore/ledger"
	"creditcore/outbox"
)

const (
	LedgerPostingJobType      job.Type = "ledger-posting"
	InterestAccrualJobType    job.Type = "interest-accrual"
	ObligationStatusJobType   job.Type = "obligation-status"
	CollateralizationJobType  job.Type = "collateralization-from-price"
	ApprovalListenerJobType   job.Type = "approval-listener"
	FacilityCompletionJobType job.Type = "facility-completion"
)

// LedgerPostingConfig carries a posting instruction to the ledger after the business
// transaction that produced it committed.
type LedgerPostingConfig struct {
	Transaction ledger.Transaction `json:"transaction"`
}

func (LedgerPostingConfig) JobType() job.Type { return LedgerPostingJobType }

// InterestAccrualConfig drives the accrual of one facility. There is at most one such job per
// facility; it moves from cycle to cycle through its execution state.
type InterestAccrualConfig struct {
	FacilityID uuid.UUID `json:"facility_id"`
	CycleID    uuid.UUID `json:"cycle_id"`
}

func (InterestAccrualConfig) JobType() job.Type { return InterestAccrualJobType }

type interestAccrualState struct {
	CycleID uuid.UUID `json:"cycle_id"`
}

func interestAccrualKey(facilityID uuid.UUID) string {
	return "interest-accrual:" + facilityID.String()
}

type ObligationStatusConfig struct {
	ObligationID uuid.UUID `json:"obligation_id"`
}

func (ObligationStatusConfig) JobType() job.Type { return ObligationStatusJobType }

type CollateralizationConfig struct{}

func (CollateralizationConfig) JobType() job.Type { return CollateralizationJobType }

type ApprovalListenerConfig struct{}

func (ApprovalListenerConfig) JobType() job.Type { return ApprovalListenerJobType }

// FacilityCompletionConfig asks for one completion attempt of a facility. It is spawned by the
// transactions that can make a facility complete: the conclusion of its last accrual cycle, a
// payment or a cancelled disbursal after accrual ended.
type FacilityCompletionConfig struct {
	FacilityID uuid.UUID `json:"facility_id"`
}

func (FacilityCompletionConfig) JobType() job.Type { return FacilityCompletionJobType }

type initializer struct {
	typ    job.Type
	policy job.RetryPolicy
	run    job.RunnerFunc
}

func (i initializer) Type() job.Type                   { return i.typ }
func (i initializer) RetryPolicy() job.RetryPolicy     { return i.policy }
func (i initializer) Init(*job.Job) (job.Runner, error) { return i.run, nil }

// RegisterJobs registers the runners of every credit job type. Approval conclusions are read
// from approvals; collateralization runs on schedule.
func (s *Service) RegisterJobs(reg *job.Registry, approvals outbox.Source, schedule job.Schedule) {
	reg.Register(initializer{LedgerPostingJobType, job.DefaultRetryPolicy(), s.runLedgerPosting})
	reg.Register(initializer{InterestAccrualJobType, job.DefaultRetryPolicy(), s.runInterestAccrual})
	reg.Register(initializer{ObligationStatusJobType, job.DefaultRetryPolicy(), s.runObligationStatus})
	reg.Register(initializer{FacilityCompletionJobType, job.DefaultRetryPolicy(), s.runFacilityCompletion})
	reg.Register(initializer{CollateralizationJobType, job.RepeatIndefinitely(5*time.Second, 5*time.Minute),
		func(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
			return s.runCollateralization(ctx, current, schedule)
		}})
	reg.Register(initializer{ApprovalListenerJobType, job.RepeatIndefinitely(time.Second, time.Minute),
		func(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
			return job.Completion{}, s.listenApprovals(ctx, current, approvals)
		}})
}

// SpawnSingletons creates the recurring jobs unless they already exist.
func (s *Service) SpawnSingletons(ctx context.Context) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now := s.clock()
		if _, err := s.jobs.SpawnUnique(ctx, tx, uuid.New(), string(CollateralizationJobType), CollateralizationConfig{}, now); err != nil {
			return err
		}
		_, err := s.jobs.SpawnUnique(ctx, tx, uuid.New(), string(ApprovalListenerJobType), ApprovalListenerConfig{}, now)
		return err
	})
}

func (s *Service) runLedgerPosting(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
	var cfg LedgerPostingConfig
	if err := current.Config(&cfg); err != nil {
		return job.Completion{}, err
	}
	if err := s.ledger.Post(ctx, cfg.Transaction); err != nil {
		return job.Completion{}, err
	}
	return job.Complete(), nil
}

func (s *Service) runInterestAccrual(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
	var cfg InterestAccrualConfig
	if err := current.Config(&cfg); err != nil {
		return job.Completion{}, err
	}
	state := interestAccrualState{CycleID: cfg.CycleID}
	if _, err := current.ExecutionState(&state); err != nil {
		return job.Completion{}, err
	}

	var completion job.Completion
	err := es.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		tx, err := current.Begin(ctx)
		if err != nil {
			return err
		}
		step, err := s.accrue(ctx, tx, state.CycleID)
		if err == nil && step.nextCycleID != state.CycleID {
			err = current.UpdateExecutionState(ctx, tx, interestAccrualState{CycleID: step.nextCycleID})
		}
		if err != nil || !step.wrote {
			tx.Rollback(ctx)
			if err == nil {
				completion = job.RescheduleAt(step.runAt)
				if step.exhausted {
					completion = job.Complete()
				}
			}
			return err
		}
		if step.exhausted {
			s.logger.Info("interest accrual exhausted", "facility_id", cfg.FacilityID)
			completion = job.CompleteWithTx(tx)
			return nil
		}
		completion = job.RescheduleAtWithTx(tx, step.runAt)
		return nil
	})
	if err != nil {
		return job.Completion{}, err
	}
	return completion, nil
}

type accrualStep struct {
	wrote       bool
	exhausted   bool
	nextCycleID uuid.UUID
	runAt       time.Time
}

// accrue records at most one due incurrence of a cycle and, when that ends the cycle, posts
// the cycle and starts the next one.
func (s *Service) accrue(ctx context.Context, tx pgx.Tx, id uuid.UUID) (accrualStep, error) {
	step := accrualStep{nextCycleID: id}
	c, err := s.repos.cycle(ctx, tx, id)
	if err != nil {
		return step, err
	}
	if c.IsPosted() {
		step.exhausted = true
		return step, nil
	}

	now := s.clock()
	audit := authz.AuditInfo{ID: uuid.New(), Subject: authz.System("interest-accrual"), Object: authz.ObjectCreditFacility, Action: authz.ActionRecordInterest, At: now}

	if period, ok := c.NextIncurrencePeriod(); ok {
		if now.Before(period.End) {
			step.runAt = period.End
			return step, nil
		}
		balances, _, err := s.repos.balancesOf(ctx, tx, c.FacilityID)
		if err != nil {
			return step, err
		}
		inc, err := c.RecordIncurrence(period, balances.Disbursed, now)
		if err != nil {
			return step, err
		}
		if v, ok := inc.Value(); ok {
			s.logger.Debug("interest incurred", "facility_id", c.FacilityID, "cycle", c.Idx, "period", v.Period.String(), "amount", v.Amount.String())
		}
	}
	step.wrote = true

	if !c.IsExhausted() {
		if _, err := s.repos.cycles.Update(ctx, tx, c.Events()); err != nil {
			return step, err
		}
		next, _ := c.NextIncurrencePeriod()
		step.runAt = next.End
		return step, nil
	}

	next, err := s.concludeCycle(ctx, tx, c, now, audit)
	if err != nil {
		return step, err
	}
	if next == nil {
		step.exhausted = true
		return step, nil
	}
	step.nextCycleID = next.ID
	first, _ := next.NextIncurrencePeriod()
	step.runAt = first.End
	return step, nil
}

func (s *Service) concludeCycle(ctx context.Context, tx pgx.Tx, c *accrual.Cycle, now time.Time, audit authz.AuditInfo) (*accrual.Cycle, error) {
	posted, err := c.Conclude(uuid.NewSHA1(c.ID, []byte("obligation")), ledgerTxID(c.ID, "posting"), now, audit)
	if err != nil {
		return nil, err
	}
	p := posted.MustValue()
	if _, err := s.repos.cycles.Update(ctx, tx, c.Events()); err != nil {
		return nil, err
	}
	if p.NewObligation != nil {
		if err := s.createObligation(ctx, tx, *p.NewObligation, audit); err != nil {
			return nil, err
		}
		if err := s.enqueuePosting(ctx, tx, interestPosting(c, p, now)); err != nil {
			return nil, err
		}
	}

	f, err := s.repos.facility(ctx, tx, c.FacilityID)
	if err != nil {
		return nil, err
	}
	res, err := f.ConcludeAccrualCycle(c.ID, p, cycleID(f.ID, c.Idx+1), audit)
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
		return nil, err
	}
	nc, _ := res.Value()
	if nc == nil {
		return nil, s.spawnCompletion(ctx, tx, f.ID, uuid.NewSHA1(c.ID, []byte("facility-completion")))
	}
	next := accrual.New(*nc, audit)
	if err := s.repos.cycles.Create(ctx, tx, &f.ID, next.Events()); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) runObligationStatus(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
	var cfg ObligationStatusConfig
	if err := current.Config(&cfg); err != nil {
		return job.Completion{}, err
	}
	return es.RetryValue(ctx, s.cfg.Retry, func(ctx context.Context) (job.Completion, error) {
		tx, err := current.Begin(ctx)
		if err != nil {
			return job.Completion{}, err
		}
		o, err := s.repos.obligation(ctx, tx, cfg.ObligationID)
		if err != nil {
			tx.Rollback(ctx)
			return job.Completion{}, err
		}
		if res := o.UpdateStatus(s.clock()); res.DidExecute() {
			if _, err := s.repos.obligations.Update(ctx, tx, o.Events()); err != nil {
				tx.Rollback(ctx)
				return job.Completion{}, err
			}
			s.logger.Info("obligation status updated", "obligation_id", o.ID, "status", string(res.MustValue()))
		}
		if at, ok := o.NextTransitionAt(); ok {
			return job.RescheduleAtWithTx(tx, at), nil
		}
		return job.CompleteWithTx(tx), nil
	})
}

func (s *Service) runCollateralization(ctx context.Context, current *job.CurrentJob, schedule job.Schedule) (job.Completion, error) {
	px, err := s.prices.PriceOfOneBTC(ctx)
	if err != nil {
		return job.Completion{}, err
	}
	ids, err := s.repos.facilities.IDs(ctx, s.db)
	if err != nil {
		return job.Completion{}, err
	}
	sub := authz.System("collateralization")
	now := s.clock()
	for _, id := range ids {
		select {
		case <-current.ShutdownRequested():
			// Picked up again right after restart.
			return job.RescheduleAt(now), nil
		default:
		}
		f, err := s.repos.facility(ctx, s.db, id)
		if err != nil {
			return job.Completion{}, err
		}
		switch f.Status(now) {
		case facility.StatusCompleted, facility.StatusDenied:
			continue
		}
		res, err := s.UpdateCollateralization(ctx, sub, id, px)
		if err != nil {
			s.logger.Warn("collateralization update failed", "facility_id", id, "error", err)
			continue
		}
		if state, ok := res.Value(); ok {
			s.logger.Info("collateralization changed", "facility_id", id, "state", string(state), "price", px.Cents().String())
		}
	}
	return job.RescheduleAt(schedule.Next(now)), nil
}

// spawnCompletion schedules a completion attempt that runs once tx committed. id is derived
// from the triggering step, so a retried step does not add a second attempt.
func (s *Service) spawnCompletion(ctx context.Context, tx pgx.Tx, facilityID, id uuid.UUID) error {
	_, err := s.jobs.Spawn(ctx, tx, id, FacilityCompletionConfig{FacilityID: facilityID}, s.clock())
	return err
}

func (s *Service) runFacilityCompletion(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
	var cfg FacilityCompletionConfig
	if err := current.Config(&cfg); err != nil {
		return job.Completion{}, err
	}
	_, err := s.CompleteFacility(ctx, authz.System("credit"), cfg.FacilityID)
	if completionRefused(err) {
		s.logger.Debug("facility not ready for completion", "facility_id", cfg.FacilityID, "reason", err)
		return job.Complete(), nil
	}
	if err != nil {
		return job.Completion{}, err
	}
	return job.Complete(), nil
}

// completionRefused reports whether err is the facility declining completion in its current
// state. A later payment or cancellation spawns a new attempt then.
func completionRefused(err error) bool {
	return errors.Is(err, facility.ErrInterestAccrualInProgress) ||
		errors.Is(err, facility.ErrOutstandingBalance) ||
		errors.Is(err, facility.ErrDisbursalInProgress) ||
		errors.Is(err, facility.ErrNotActive)
}
