// Package credit runs commands against the credit entities. Each command re-reads the entities
// it touches, applies the domain operation and writes the new events, together with outbox
// messages, ledger posting jobs and follow-up jobs, in one transaction. Conflicting writers
// are retried from fresh state.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"creditcore/authz"
	"creditcore/credit/accrual"
	"creditcore/credit/disbursal"
	"creditcore/credit/facility"
	"creditcore/credit/obligation"
	"creditcore/credit/payment"
	"creditcore/es"
	"creditcore/governance"
	"creditcore/job"
	"creditcore/ledger"
	"creditcore/money"
	"creditcore/price"
	"creditcore/terms"
)

// Governance starts approval processes inside a command's transaction.
type Governance interface {
	StartProcess(ctx context.Context, tx pgx.Tx, id uuid.UUID, typ governance.ProcessType, targetID uuid.UUID) error
}

type Config struct {
	Chart                   Chart
	CollateralizationBuffer terms.CVLPct
	AllocationPolicy        payment.Policy
	Retry                   es.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Chart:                   DefaultChart(),
		CollateralizationBuffer: terms.NewCVLPct(decimal.NewFromInt(5)),
		AllocationPolicy:        payment.DisbursalFirst,
		Retry:                   es.DefaultRetryPolicy,
	}
}

type Service struct {
	db     job.DB
	repos  *repositories
	jobs   *job.Jobs
	gov    Governance
	authz  authz.Authorizer
	prices price.Provider
	ledger ledger.Ledger
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type Deps struct {
	DB         job.DB
	Outbox     Persister
	Jobs       *job.Jobs
	Governance Governance
	Authz      authz.Authorizer
	Prices     price.Provider
	Ledger     ledger.Ledger
	Logger     *slog.Logger
}

func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		db:     deps.DB,
		jobs:   deps.Jobs,
		gov:    deps.Governance,
		authz:  deps.Authz,
		prices: deps.Prices,
		ledger: deps.Ledger,
		cfg:    cfg,
		now:    time.Now,
		logger: deps.Logger,
	}
	s.repos = newRepositories(&publisher{outbox: deps.Outbox}, func() time.Time { return s.now() })
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// inTx runs fn in a fresh transaction per attempt and commits it.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return es.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("credit: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("credit: commit tx: %w", err)
		}
		return nil
	})
}

func (s *Service) enqueuePosting(ctx context.Context, tx pgx.Tx, lt ledger.Transaction) error {
	if err := lt.Validate(); err != nil {
		return fmt.Errorf("credit: posting %s: %w", lt.Template, err)
	}
	_, err := s.jobs.SpawnUnique(ctx, tx, uuid.New(), "ledger:"+lt.IdempotencyKey, LedgerPostingConfig{Transaction: lt}, s.clock())
	return err
}

type NewFacilityInput struct {
	CustomerID uuid.UUID
	Amount     money.UsdCents
	Terms      terms.Terms
}

// CreateFacility registers a facility and starts its approval process.
func (s *Service) CreateFacility(ctx context.Context, sub authz.Subject, in NewFacilityInput) (*facility.Facility, error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionCreate)
	if err != nil {
		return nil, err
	}
	id, processID, accounts := uuid.New(), uuid.New(), facility.NewAccounts()

	var created *facility.Facility
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := facility.New(facility.NewFacility{
			ID:                id,
			CustomerID:        in.CustomerID,
			ApprovalProcessID: processID,
			Amount:            in.Amount,
			Terms:             in.Terms,
			Accounts:          accounts,
		}, audit)
		if err != nil {
			return err
		}
		if err := s.repos.facilities.Create(ctx, tx, nil, f.Events()); err != nil {
			return err
		}
		if err := s.gov.StartProcess(ctx, tx, processID, governance.CreditFacilityApproval, id); err != nil {
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit facility created", "facility_id", id, "amount", in.Amount.String())
	return created, nil
}

// ApprovalProcessConcluded records the approval decision and activates an approved facility
// when its collateral already covers the initial CVL.
func (s *Service) ApprovalProcessConcluded(ctx context.Context, sub authz.Subject, facilityID uuid.UUID, approved bool) (es.Idempotent[bool], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionConcludeApproval)
	if err != nil {
		return es.Idempotent[bool]{}, err
	}
	var res es.Idempotent[bool]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		res = f.ApprovalProcessConcluded(approved, audit)
		if res.WasIgnored() {
			return nil
		}
		if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
			return err
		}
		if !approved {
			return nil
		}
		_, err = s.tryActivate(ctx, tx, f, audit)
		return err
	})
	return res, err
}

// Activate starts the facility term. It fails with facility.ErrBelowInitialCVL until enough
// collateral was posted.
func (s *Service) Activate(ctx context.Context, sub authz.Subject, facilityID uuid.UUID) (es.Idempotent[facility.Activation], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionActivate)
	if err != nil {
		return es.Idempotent[facility.Activation]{}, err
	}
	px, err := s.prices.PriceOfOneBTC(ctx)
	if err != nil {
		return es.Idempotent[facility.Activation]{}, err
	}
	var res es.Idempotent[facility.Activation]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		res, err = s.activate(ctx, tx, f, px, audit)
		return err
	})
	return res, err
}

// tryActivate activates f if collateral allows it and leaves it pending otherwise.
func (s *Service) tryActivate(ctx context.Context, tx pgx.Tx, f *facility.Facility, audit authz.AuditInfo) (bool, error) {
	px, err := s.prices.PriceOfOneBTC(ctx)
	if err != nil {
		return false, err
	}
	res, err := s.activate(ctx, tx, f, px, audit)
	if errors.Is(err, facility.ErrBelowInitialCVL) {
		return false, nil
	}
	return res.DidExecute(), err
}

func (s *Service) activate(ctx context.Context, tx pgx.Tx, f *facility.Facility, px money.PriceOfOneBTC, audit authz.AuditInfo) (es.Idempotent[facility.Activation], error) {
	res, err := f.Activate(facility.ActivateInput{
		At:         s.clock(),
		Price:      px,
		LedgerTxID: ledgerTxID(f.ID, "activation"),
		CycleID:    cycleID(f.ID, 1),
	}, audit)
	if err != nil {
		return res, err
	}
	a, ok := res.Value()
	if !ok {
		return res, nil
	}
	if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
		return res, err
	}
	cycle := accrual.New(a.FirstCycle, audit)
	if err := s.repos.cycles.Create(ctx, tx, &f.ID, cycle.Events()); err != nil {
		return res, err
	}
	if err := s.enqueuePosting(ctx, tx, activationPosting(s.cfg.Chart, f, a)); err != nil {
		return res, err
	}
	first, _ := cycle.NextIncurrencePeriod()
	if _, err := s.jobs.SpawnUnique(ctx, tx, uuid.New(), interestAccrualKey(f.ID),
		InterestAccrualConfig{FacilityID: f.ID, CycleID: cycle.ID}, first.End); err != nil {
		return res, err
	}
	s.logger.Info("credit facility activated", "facility_id", f.ID, "matures_at", a.MaturesAt)
	return res, nil
}

func cycleID(facilityID uuid.UUID, idx int) uuid.UUID {
	return uuid.NewSHA1(facilityID, []byte(fmt.Sprintf("interest-accrual-cycle:%d", idx)))
}

// InitiateDisbursal draws amount from an active facility and starts the disbursal approval.
func (s *Service) InitiateDisbursal(ctx context.Context, sub authz.Subject, facilityID uuid.UUID, amount money.UsdCents) (*disbursal.Disbursal, error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectDisbursal, authz.ActionInitiateDisbursal)
	if err != nil {
		return nil, err
	}
	px, err := s.prices.PriceOfOneBTC(ctx)
	if err != nil {
		return nil, err
	}
	id, processID := uuid.New(), uuid.New()

	var created *disbursal.Disbursal
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		balances, _, err := s.repos.balancesOf(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		res, err := f.InitiateDisbursal(facility.InitiateDisbursalInput{
			ID:                id,
			ApprovalProcessID: processID,
			Amount:            amount,
			At:                s.clock(),
			Price:             px,
			Outstanding:       balances.Total(),
		}, audit)
		if err != nil {
			return err
		}
		nd, ok := res.Value()
		if !ok {
			created, err = s.repos.disbursal(ctx, tx, id)
			return err
		}
		d, err := disbursal.New(nd, audit)
		if err != nil {
			return err
		}
		if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
			return err
		}
		if err := s.repos.disbursals.Create(ctx, tx, &f.ID, d.Events()); err != nil {
			return err
		}
		if err := s.gov.StartProcess(ctx, tx, processID, governance.DisbursalApproval, d.ID); err != nil {
			return err
		}
		created = d
		return nil
	})
	return created, err
}

// DisbursalApprovalConcluded settles an approved disbursal, creating its obligation, or
// cancels a denied one.
func (s *Service) DisbursalApprovalConcluded(ctx context.Context, sub authz.Subject, disbursalID uuid.UUID, approved bool) (es.Idempotent[bool], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectDisbursal, authz.ActionConcludeApproval)
	if err != nil {
		return es.Idempotent[bool]{}, err
	}
	var res es.Idempotent[bool]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		d, err := s.repos.disbursal(ctx, tx, disbursalID)
		if err != nil {
			return err
		}
		res = d.ApprovalProcessConcluded(approved, audit)
		if res.WasIgnored() {
			return nil
		}
		f, err := s.repos.facility(ctx, tx, d.FacilityID)
		if err != nil {
			return err
		}

		now := s.clock()
		txID := ledgerTxID(d.ID, "conclusion")
		var obligationID *uuid.UUID
		if approved {
			id, err := s.settle(ctx, tx, f, d, txID, now, audit)
			if err != nil {
				return err
			}
			obligationID = &id
		} else if _, err := d.Cancel(txID, now, audit); err != nil {
			return err
		}

		if _, err := s.repos.disbursals.Update(ctx, tx, d.Events()); err != nil {
			return err
		}
		f.DisbursalConcluded(d, obligationID, txID, audit)
		if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
			return err
		}
		if approved || !f.InterestAccrualExhausted() {
			return nil
		}
		return s.spawnCompletion(ctx, tx, f.ID, uuid.NewSHA1(d.ID, []byte("facility-completion")))
	})
	return res, err
}

func (s *Service) settle(ctx context.Context, tx pgx.Tx, f *facility.Facility, d *disbursal.Disbursal, txID uuid.UUID, now time.Time, audit authz.AuditInfo) (uuid.UUID, error) {
	dueAt, ok := f.MaturesAt()
	if !ok {
		return uuid.Nil, facility.ErrNotActive
	}
	overdueAt, defaultedAt := f.Terms.ObligationTimeline(dueAt)
	obligationID := uuid.NewSHA1(d.ID, []byte("obligation"))

	res, err := d.Settle(disbursal.Settlement{
		ObligationID:      obligationID,
		LedgerTxID:        txID,
		ReceivableAccount: f.Accounts.DisbursedReceivable,
		At:                now,
		DueAt:             dueAt,
		OverdueAt:         overdueAt,
		DefaultedAt:       defaultedAt,
	}, audit)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.createObligation(ctx, tx, res.MustValue(), audit); err != nil {
		return uuid.Nil, err
	}
	if err := s.enqueuePosting(ctx, tx, disbursalPosting(s.cfg.Chart, f, d.ID, d.Amount, txID, now)); err != nil {
		return uuid.Nil, err
	}
	return obligationID, nil
}

// createObligation persists a new obligation and spawns the job that walks its timeline.
func (s *Service) createObligation(ctx context.Context, tx pgx.Tx, n obligation.NewObligation, audit authz.AuditInfo) error {
	o, err := obligation.New(n, audit)
	if err != nil {
		return err
	}
	if err := s.repos.obligations.Create(ctx, tx, &n.FacilityID, o.Events()); err != nil {
		return err
	}
	_, err = s.jobs.Spawn(ctx, tx, o.ID, ObligationStatusConfig{ObligationID: o.ID}, o.DueAt)
	return err
}

// UpdateCollateral sets the pledged collateral. An approved facility waiting for collateral is
// activated once the new amount covers the initial CVL.
func (s *Service) UpdateCollateral(ctx context.Context, sub authz.Subject, facilityID uuid.UUID, collateral money.Satoshis) (es.Idempotent[facility.CollateralChange], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionUpdateCollateral)
	if err != nil {
		return es.Idempotent[facility.CollateralChange]{}, err
	}
	px, err := s.prices.PriceOfOneBTC(ctx)
	if err != nil {
		return es.Idempotent[facility.CollateralChange]{}, err
	}
	var res es.Idempotent[facility.CollateralChange]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		now := s.clock()
		txID := ledgerTxID(f.ID, fmt.Sprintf("collateral:%d", f.Events().Len()))
		res, err = f.UpdateCollateral(collateral, txID, now, audit)
		if err != nil {
			return err
		}
		change, ok := res.Value()
		if !ok {
			return nil
		}
		if err := s.enqueuePosting(ctx, tx, collateralPosting(s.cfg.Chart, f, change.Delta(), txID, templateCollateral, now)); err != nil {
			return err
		}

		balances, _, err := s.repos.balancesOf(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		f.UpdateCollateralization(px, balances, s.cfg.CollateralizationBuffer, now, audit)
		if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
			return err
		}
		if f.Status(now) != facility.StatusPendingCollateralization {
			return nil
		}
		_, err = s.activate(ctx, tx, f, px, audit)
		if errors.Is(err, facility.ErrBelowInitialCVL) {
			return nil
		}
		return err
	})
	return res, err
}

// UpdateCollateralization reclassifies a facility at price.
func (s *Service) UpdateCollateralization(ctx context.Context, sub authz.Subject, facilityID uuid.UUID, px money.PriceOfOneBTC) (es.Idempotent[terms.CollateralizationState], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionUpdateCollateralization)
	if err != nil {
		return es.Idempotent[terms.CollateralizationState]{}, err
	}
	var res es.Idempotent[terms.CollateralizationState]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		balances, _, err := s.repos.balancesOf(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		res = f.UpdateCollateralization(px, balances, s.cfg.CollateralizationBuffer, s.clock(), audit)
		if res.WasIgnored() {
			return nil
		}
		_, err = s.repos.facilities.Update(ctx, tx, f.Events())
		return err
	})
	return res, err
}

// RecordPayment allocates a payment over the open obligations of a facility. A payment id is
// applied at most once; what cannot be allocated stays recorded on the payment.
func (s *Service) RecordPayment(ctx context.Context, sub authz.Subject, facilityID, paymentID uuid.UUID, amount money.UsdCents) (es.Idempotent[payment.Breakdown], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectPayment, authz.ActionRecordPayment)
	if err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	var res es.Idempotent[payment.Breakdown]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := es.ReserveKey(ctx, tx, "payment:"+paymentID.String()); err != nil {
			if errors.Is(err, es.ErrDuplicateIdempotencyKey) {
				res = es.Ignored[payment.Breakdown]()
				return nil
			}
			return err
		}
		res, err = s.recordPayment(ctx, tx, facilityID, paymentID, amount, audit)
		return err
	})
	return res, err
}

func (s *Service) recordPayment(ctx context.Context, tx pgx.Tx, facilityID, paymentID uuid.UUID, amount money.UsdCents, audit authz.AuditInfo) (es.Idempotent[payment.Breakdown], error) {
	now := s.clock()
	f, err := s.repos.facility(ctx, tx, facilityID)
	if err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	obs, err := s.repos.obligationsOf(ctx, tx, f.ID)
	if err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	byID := make(map[uuid.UUID]*obligation.Obligation, len(obs))
	open := make([]payment.Outstanding, 0, len(obs))
	for _, o := range obs {
		byID[o.ID] = o
		open = append(open, payment.OutstandingOf(o))
	}

	allocs := payment.Allocate(f.ID, paymentID, amount, open, s.cfg.AllocationPolicy, now)
	breakdown := payment.BreakdownOf(allocs)
	if _, err := f.RecordPayment(paymentID, amount, breakdown, now, audit); err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}

	p, err := payment.New(paymentID, f.ID, amount, now, audit)
	if err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	if _, err := p.RecordAllocations(allocs, audit); err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	if err := s.repos.payments.Create(ctx, tx, &f.ID, p.Events()); err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}

	for _, a := range allocs {
		o := byID[a.ObligationID]
		if _, err := o.AllocatePayment(obligation.Allocation{PaymentID: paymentID, AllocationID: a.ID, Amount: a.Amount, At: now}); err != nil {
			return es.Idempotent[payment.Breakdown]{}, err
		}
		if _, err := s.repos.obligations.Update(ctx, tx, o.Events()); err != nil {
			return es.Idempotent[payment.Breakdown]{}, err
		}
		txID := ledgerTxID(a.ID, "allocation")
		if err := s.repos.allocations.Create(ctx, tx, &p.ID, payment.NewAllocationEntity(a, txID, audit).Events()); err != nil {
			return es.Idempotent[payment.Breakdown]{}, err
		}
		if err := s.enqueuePosting(ctx, tx, allocationPosting(s.cfg.Chart, a, txID)); err != nil {
			return es.Idempotent[payment.Breakdown]{}, err
		}
	}

	if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
		return es.Idempotent[payment.Breakdown]{}, err
	}
	if f.InterestAccrualExhausted() {
		if err := s.spawnCompletion(ctx, tx, f.ID, uuid.NewSHA1(paymentID, []byte("facility-completion"))); err != nil {
			return es.Idempotent[payment.Breakdown]{}, err
		}
	}
	s.logger.Info("payment recorded", "facility_id", f.ID, "payment_id", paymentID,
		"interest", breakdown.Interest.String(), "disbursal", breakdown.Disbursal.String())
	return es.Executed(breakdown), nil
}

// CompleteFacility closes a facility whose interest accrual ended and whose obligations are
// all paid, releasing its collateral.
func (s *Service) CompleteFacility(ctx context.Context, sub authz.Subject, facilityID uuid.UUID) (es.Idempotent[facility.Completion], error) {
	audit, err := s.authz.Authorize(ctx, sub, authz.ObjectCreditFacility, authz.ActionComplete)
	if err != nil {
		return es.Idempotent[facility.Completion]{}, err
	}
	var res es.Idempotent[facility.Completion]
	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		f, err := s.repos.facility(ctx, tx, facilityID)
		if err != nil {
			return err
		}
		balances, _, err := s.repos.balancesOf(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		now := s.clock()
		res, err = f.Complete(balances, ledgerTxID(f.ID, "completion"), now, audit)
		if err != nil {
			return err
		}
		c, ok := res.Value()
		if !ok {
			return nil
		}
		if _, err := s.repos.facilities.Update(ctx, tx, f.Events()); err != nil {
			return err
		}
		if c.CollateralReleased == 0 {
			return nil
		}
		return s.enqueuePosting(ctx, tx, collateralPosting(s.cfg.Chart, f, -c.CollateralReleased, c.LedgerTxID, templateCollateralRelease, now))
	})
	if err == nil && res.DidExecute() {
		s.logger.Info("credit facility completed", "facility_id", facilityID)
	}
	return res, err
}

func (s *Service) FindFacility(ctx context.Context, id uuid.UUID) (*facility.Facility, error) {
	return s.repos.facility(ctx, s.db, id)
}

func (s *Service) FindDisbursal(ctx context.Context, id uuid.UUID) (*disbursal.Disbursal, error) {
	return s.repos.disbursal(ctx, s.db, id)
}

func (s *Service) FindPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return s.repos.payment(ctx, s.db, id)
}

func (s *Service) Obligations(ctx context.Context, facilityID uuid.UUID) ([]*obligation.Obligation, error) {
	return s.repos.obligationsOf(ctx, s.db, facilityID)
}

// Balances is the outstanding exposure of a facility summed over its obligations.
func (s *Service) Balances(ctx context.Context, facilityID uuid.UUID) (facility.Balances, error) {
	b, _, err := s.repos.balancesOf(ctx, s.db, facilityID)
	return b, err
}

// LedgerBalances reads the facility accounts from the ledger.
func (s *Service) LedgerBalances(ctx context.Context, facilityID uuid.UUID) (map[ledger.AccountID]ledger.Balance, error) {
	f, err := s.FindFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	a := f.Accounts
	return s.ledger.Balances(ctx, a.Facility, a.Collateral, a.DisbursedReceivable, a.InterestReceivable, a.InterestIncome, a.FeeIncome)
}
