// Package facility is the credit facility aggregate. All state is derived from its events;
// commands check their preconditions against that state and append new events.
package facility

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/accrual"
	"creditcore/credit/disbursal"
	"creditcore/credit/payment"
	"creditcore/es"
	"creditcore/ledger"
	"creditcore/money"
	"creditcore/terms"
)

var (
	ErrInvalidAmount             = errors.New("facility: amount must be positive")
	ErrApprovalPending           = errors.New("facility: approval process not concluded")
	ErrApprovalDenied            = errors.New("facility: approval was denied")
	ErrNotActive                 = errors.New("facility: not active")
	ErrCompleted                 = errors.New("facility: already completed")
	ErrMatured                   = errors.New("facility: matured")
	ErrBelowInitialCVL           = errors.New("facility: collateral below initial cvl")
	ErrBelowMarginCallCVL        = errors.New("facility: disbursal would breach margin call cvl")
	ErrDisbursalExceedsFacility  = errors.New("facility: disbursal exceeds remaining facility amount")
	ErrDisbursalInProgress       = errors.New("facility: disbursal still in progress")
	ErrInterestAccrualInProgress = errors.New("facility: interest accrual not finished")
	ErrOutstandingBalance        = errors.New("facility: outstanding balance remains")
	ErrUnknownCycle              = errors.New("facility: unknown interest accrual cycle")
)

type Status string

const (
	StatusPendingApproval          Status = "pending_approval"
	StatusDenied                   Status = "denied"
	StatusPendingCollateralization Status = "pending_collateralization"
	StatusActive                   Status = "active"
	StatusMatured                  Status = "matured"
	StatusCompleted                Status = "completed"
)

// Accounts are the ledger accounts owned by one facility.
type Accounts struct {
	Facility            ledger.AccountID `json:"facility"`
	Collateral          ledger.AccountID `json:"collateral"`
	DisbursedReceivable ledger.AccountID `json:"disbursed_receivable"`
	InterestReceivable  ledger.AccountID `json:"interest_receivable"`
	InterestIncome      ledger.AccountID `json:"interest_income"`
	FeeIncome           ledger.AccountID `json:"fee_income"`
}

func NewAccounts() Accounts {
	return Accounts{
		Facility:            ledger.NewAccountID(),
		Collateral:          ledger.NewAccountID(),
		DisbursedReceivable: ledger.NewAccountID(),
		InterestReceivable:  ledger.NewAccountID(),
		InterestIncome:      ledger.NewAccountID(),
		FeeIncome:           ledger.NewAccountID(),
	}
}

// Balances is the outstanding exposure read from the ledger.
type Balances struct {
	Disbursed money.UsdCents
	Interest  money.UsdCents
}

func (b Balances) Total() money.UsdCents { return b.Disbursed + b.Interest }

type NewFacility struct {
	ID                uuid.UUID
	CustomerID        uuid.UUID
	ApprovalProcessID uuid.UUID
	Amount            money.UsdCents
	Terms             terms.Terms
	Accounts          Accounts
}

type Facility struct {
	ID                uuid.UUID
	CustomerID        uuid.UUID
	ApprovalProcessID uuid.UUID
	Amount            money.UsdCents
	Terms             terms.Terms
	Accounts          Accounts

	events es.EntityEvents[Event]
}

func New(n NewFacility, audit authz.AuditInfo) (*Facility, error) {
	if n.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := n.Terms.Validate(); err != nil {
		return nil, err
	}
	return FromEvents(es.New[Event](n.ID, Initialized{
		ID:                n.ID,
		CustomerID:        n.CustomerID,
		ApprovalProcessID: n.ApprovalProcessID,
		Amount:            n.Amount,
		Terms:             n.Terms,
		Accounts:          n.Accounts,
		Audit:             audit,
	}))
}

func FromEvents(events es.EntityEvents[Event]) (*Facility, error) {
	f := &Facility{events: events}
	for _, ev := range events.All() {
		if e, ok := ev.(Initialized); ok {
			f.ID, f.CustomerID, f.ApprovalProcessID = e.ID, e.CustomerID, e.ApprovalProcessID
			f.Amount, f.Terms, f.Accounts = e.Amount, e.Terms, e.Accounts
		}
	}
	if f.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: facility %s has no initialized event", es.ErrReconstruction, events.EntityID())
	}
	return f, nil
}

func (f *Facility) Events() *es.EntityEvents[Event] { return &f.events }

func (f *Facility) approval() (approved, concluded bool) {
	for _, ev := range f.events.All() {
		if e, ok := ev.(ApprovalProcessConcluded); ok {
			return e.Approved, true
		}
	}
	return false, false
}

func (f *Facility) activation() (Activated, bool) {
	for _, ev := range f.events.All() {
		if e, ok := ev.(Activated); ok {
			return e, true
		}
	}
	return Activated{}, false
}

func (f *Facility) IsActivated() bool {
	_, ok := f.activation()
	return ok
}

// MaturesAt reports the maturity date, false before activation.
func (f *Facility) MaturesAt() (time.Time, bool) {
	a, ok := f.activation()
	return a.MaturesAt, ok
}

func (f *Facility) IsCompleted() bool {
	for _, ev := range f.events.NewestFirst() {
		if _, ok := ev.(Completed); ok {
			return true
		}
	}
	return false
}

func (f *Facility) Status(now time.Time) Status {
	approved, concluded := f.approval()
	switch {
	case f.IsCompleted():
		return StatusCompleted
	case !concluded:
		return StatusPendingApproval
	case !approved:
		return StatusDenied
	}
	a, ok := f.activation()
	switch {
	case !ok:
		return StatusPendingCollateralization
	case !now.Before(a.MaturesAt):
		return StatusMatured
	default:
		return StatusActive
	}
}

func (f *Facility) Collateral() money.Satoshis {
	for _, ev := range f.events.NewestFirst() {
		if e, ok := ev.(CollateralUpdated); ok {
			return e.Collateral
		}
	}
	return 0
}

func (f *Facility) CollateralizationState() terms.CollateralizationState {
	for _, ev := range f.events.NewestFirst() {
		if e, ok := ev.(CollateralizationChanged); ok {
			return e.State
		}
	}
	return terms.NoCollateral
}

// Remaining is the facility amount not yet drawn by live disbursals.
func (f *Facility) Remaining() money.UsdCents {
	amounts := map[uuid.UUID]money.UsdCents{}
	remaining := f.Amount
	for _, ev := range f.events.All() {
		switch e := ev.(type) {
		case DisbursalInitiated:
			amounts[e.DisbursalID] = e.Amount
			remaining -= e.Amount
		case DisbursalConcluded:
			if !e.Settled {
				remaining += amounts[e.DisbursalID]
			}
		}
	}
	return remaining
}

func (f *Facility) pendingDisbursals() int {
	n := 0
	for _, ev := range f.events.All() {
		switch ev.(type) {
		case DisbursalInitiated:
			n++
		case DisbursalConcluded:
			n--
		}
	}
	return n
}

func (f *Facility) disbursalCount() int {
	n := 0
	for _, ev := range f.events.All() {
		if _, ok := ev.(DisbursalInitiated); ok {
			n++
		}
	}
	return n
}

// CurrentCycle is the most recently started accrual cycle.
func (f *Facility) CurrentCycle() (InterestAccrualCycleStarted, bool) {
	for _, ev := range f.events.NewestFirst() {
		if e, ok := ev.(InterestAccrualCycleStarted); ok {
			return e, true
		}
	}
	return InterestAccrualCycleStarted{}, false
}

func (f *Facility) cycleConcluded(cycleID uuid.UUID) bool {
	for _, ev := range f.events.All() {
		if e, ok := ev.(InterestAccrualCycleConcluded); ok && e.CycleID == cycleID {
			return true
		}
	}
	return false
}

// InterestAccrualExhausted reports that the last cycle up to maturity was concluded.
func (f *Facility) InterestAccrualExhausted() bool {
	a, ok := f.activation()
	if !ok {
		return false
	}
	cycle, ok := f.CurrentCycle()
	if !ok || !f.cycleConcluded(cycle.CycleID) {
		return false
	}
	return !cycle.Period.End.Before(a.MaturesAt)
}

func (f *Facility) ApprovalProcessConcluded(approved bool, audit authz.AuditInfo) es.Idempotent[bool] {
	if _, concluded := f.approval(); concluded {
		return es.Ignored[bool]()
	}
	f.events.Push(ApprovalProcessConcluded{ProcessID: f.ApprovalProcessID, Approved: approved, Audit: audit})
	return es.Executed(approved)
}

func (f *Facility) newCycle(id uuid.UUID, idx int, period terms.Period) accrual.NewCycle {
	return accrual.NewCycle{
		ID:                id,
		FacilityID:        f.ID,
		Idx:               idx,
		Period:            period,
		Terms:             f.Terms,
		ReceivableAccount: f.Accounts.InterestReceivable,
		IncomeAccount:     f.Accounts.InterestIncome,
	}
}

type ActivateInput struct {
	At         time.Time
	Price      money.PriceOfOneBTC
	LedgerTxID uuid.UUID
	CycleID    uuid.UUID
}

// Activation is the effect of activating a facility.
type Activation struct {
	At         time.Time
	MaturesAt  time.Time
	Fee        money.UsdCents
	LedgerTxID uuid.UUID
	FirstCycle accrual.NewCycle
}

// Activate starts the facility term once approved and collateralized at the initial CVL.
// The first accrual cycle starts with it.
func (f *Facility) Activate(in ActivateInput, audit authz.AuditInfo) (es.Idempotent[Activation], error) {
	if f.IsCompleted() {
		return es.Idempotent[Activation]{}, ErrCompleted
	}
	approved, concluded := f.approval()
	switch {
	case !concluded:
		return es.Idempotent[Activation]{}, ErrApprovalPending
	case !approved:
		return es.Idempotent[Activation]{}, ErrApprovalDenied
	}
	if f.IsActivated() {
		return es.Ignored[Activation](), nil
	}
	if !f.Terms.IsActivationAllowed(f.Collateral(), in.Price, f.Amount) {
		return es.Idempotent[Activation]{}, ErrBelowInitialCVL
	}

	maturesAt := f.Terms.MaturesAt(in.At)
	fee := f.Terms.OneTimeFeeRate.Apply(f.Amount)
	f.events.Push(Activated{At: in.At, MaturesAt: maturesAt, Fee: fee, LedgerTxID: in.LedgerTxID, Audit: audit})

	period, _ := f.Terms.AccrualCycleInterval.PeriodFrom(in.At).TruncateAt(maturesAt)
	f.events.Push(InterestAccrualCycleStarted{CycleID: in.CycleID, Idx: 1, Period: period, Audit: audit})

	return es.Executed(Activation{
		At:         in.At,
		MaturesAt:  maturesAt,
		Fee:        fee,
		LedgerTxID: in.LedgerTxID,
		FirstCycle: f.newCycle(in.CycleID, 1, period),
	}), nil
}

type InitiateDisbursalInput struct {
	ID                uuid.UUID
	ApprovalProcessID uuid.UUID
	Amount            money.UsdCents
	At                time.Time
	Price             money.PriceOfOneBTC
	Outstanding       money.UsdCents
}

func (f *Facility) InitiateDisbursal(in InitiateDisbursalInput, audit authz.AuditInfo) (es.Idempotent[disbursal.NewDisbursal], error) {
	for _, ev := range f.events.All() {
		if e, ok := ev.(DisbursalInitiated); ok && e.DisbursalID == in.ID {
			return es.Ignored[disbursal.NewDisbursal](), nil
		}
	}
	switch f.Status(in.At) {
	case StatusCompleted:
		return es.Idempotent[disbursal.NewDisbursal]{}, ErrCompleted
	case StatusMatured:
		return es.Idempotent[disbursal.NewDisbursal]{}, ErrMatured
	case StatusActive:
	default:
		return es.Idempotent[disbursal.NewDisbursal]{}, ErrNotActive
	}
	if in.Amount <= 0 {
		return es.Idempotent[disbursal.NewDisbursal]{}, ErrInvalidAmount
	}
	if in.Amount > f.Remaining() {
		return es.Idempotent[disbursal.NewDisbursal]{}, fmt.Errorf("%w: %s > %s", ErrDisbursalExceedsFacility, in.Amount, f.Remaining())
	}
	if cvl := terms.ComputeCVL(f.Collateral(), in.Price, in.Outstanding+in.Amount); cvl.Less(f.Terms.MarginCallCVL) {
		return es.Idempotent[disbursal.NewDisbursal]{}, fmt.Errorf("%w: cvl would be %s", ErrBelowMarginCallCVL, cvl)
	}

	idx := f.disbursalCount() + 1
	f.events.Push(DisbursalInitiated{
		DisbursalID:       in.ID,
		ApprovalProcessID: in.ApprovalProcessID,
		Idx:               idx,
		Amount:            in.Amount,
		Audit:             audit,
	})
	return es.Executed(disbursal.NewDisbursal{
		ID:                in.ID,
		FacilityID:        f.ID,
		ApprovalProcessID: in.ApprovalProcessID,
		Idx:               idx,
		Amount:            in.Amount,
	}), nil
}

func (f *Facility) DisbursalConcluded(d *disbursal.Disbursal, obligationID *uuid.UUID, txID uuid.UUID, audit authz.AuditInfo) es.Idempotent[struct{}] {
	for _, ev := range f.events.All() {
		if e, ok := ev.(DisbursalConcluded); ok && e.DisbursalID == d.ID {
			return es.Ignored[struct{}]()
		}
	}
	f.events.Push(DisbursalConcluded{
		DisbursalID:  d.ID,
		Settled:      d.Status() == disbursal.StatusSettled,
		ObligationID: obligationID,
		LedgerTxID:   txID,
		Audit:        audit,
	})
	return es.Executed(struct{}{})
}

// ConcludeAccrualCycle records a posted cycle and starts the next one unless maturity was
// reached. A nil next cycle means accrual is exhausted.
func (f *Facility) ConcludeAccrualCycle(cycleID uuid.UUID, posting accrual.Posting, nextCycleID uuid.UUID, audit authz.AuditInfo) (es.Idempotent[*accrual.NewCycle], error) {
	current, ok := f.CurrentCycle()
	if f.cycleConcluded(cycleID) {
		return es.Ignored[*accrual.NewCycle](), nil
	}
	if !ok || current.CycleID != cycleID {
		return es.Idempotent[*accrual.NewCycle]{}, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
	}

	concluded := InterestAccrualCycleConcluded{CycleID: cycleID, Idx: current.Idx, Total: posting.Total, Audit: audit}
	if posting.NewObligation != nil {
		id := posting.NewObligation.ID
		concluded.ObligationID = &id
	}
	f.events.Push(concluded)

	maturesAt, _ := f.MaturesAt()
	if f.IsCompleted() || !current.Period.End.Before(maturesAt) {
		return es.Executed[*accrual.NewCycle](nil), nil
	}
	period, ok := current.Period.Next().TruncateAt(maturesAt)
	if !ok {
		return es.Executed[*accrual.NewCycle](nil), nil
	}
	f.events.Push(InterestAccrualCycleStarted{CycleID: nextCycleID, Idx: current.Idx + 1, Period: period, Audit: audit})
	next := f.newCycle(nextCycleID, current.Idx+1, period)
	return es.Executed(&next), nil
}

// CollateralChange is the effect of a collateral update.
type CollateralChange struct {
	Previous money.Satoshis
	Current  money.Satoshis
}

func (c CollateralChange) Delta() money.Satoshis { return c.Current - c.Previous }

func (f *Facility) UpdateCollateral(collateral money.Satoshis, txID uuid.UUID, at time.Time, audit authz.AuditInfo) (es.Idempotent[CollateralChange], error) {
	if f.IsCompleted() {
		return es.Idempotent[CollateralChange]{}, ErrCompleted
	}
	if collateral < 0 {
		return es.Idempotent[CollateralChange]{}, ErrInvalidAmount
	}
	prev := f.Collateral()
	if prev == collateral {
		return es.Ignored[CollateralChange](), nil
	}
	f.events.Push(CollateralUpdated{Collateral: collateral, Previous: prev, LedgerTxID: txID, At: at, Audit: audit})
	return es.Executed(CollateralChange{Previous: prev, Current: collateral}), nil
}

// UpdateCollateralization reclassifies the facility at price. Before activation the exposure is
// the full facility amount, afterwards the ledger outstanding.
func (f *Facility) UpdateCollateralization(price money.PriceOfOneBTC, balances Balances, buffer terms.CVLPct, at time.Time, audit authz.AuditInfo) es.Idempotent[terms.CollateralizationState] {
	if f.IsCompleted() {
		return es.Ignored[terms.CollateralizationState]()
	}
	exposure := balances.Total()
	if !f.IsActivated() {
		exposure = f.Amount
	}
	collateral := f.Collateral()
	cvl := terms.ComputeCVL(collateral, price, exposure)

	next, changed := f.Terms.CollateralizationUpdate(f.CollateralizationState(), collateral, exposure, cvl, buffer)
	if !changed {
		return es.Ignored[terms.CollateralizationState]()
	}
	f.events.Push(CollateralizationChanged{
		State:       next,
		Collateral:  collateral,
		Outstanding: exposure,
		PriceCents:  price.Cents(),
		CVL:         cvl,
		At:          at,
		Audit:       audit,
	})
	return es.Executed(next)
}

func (f *Facility) RecordPayment(paymentID uuid.UUID, amount money.UsdCents, breakdown payment.Breakdown, at time.Time, audit authz.AuditInfo) (es.Idempotent[struct{}], error) {
	for _, ev := range f.events.All() {
		if e, ok := ev.(PaymentRecorded); ok && e.PaymentID == paymentID {
			return es.Ignored[struct{}](), nil
		}
	}
	if f.IsCompleted() {
		return es.Idempotent[struct{}]{}, ErrCompleted
	}
	if !f.IsActivated() {
		return es.Idempotent[struct{}]{}, ErrNotActive
	}
	f.events.Push(PaymentRecorded{PaymentID: paymentID, Amount: amount, Breakdown: breakdown, At: at, Audit: audit})
	return es.Executed(struct{}{}), nil
}

// Completion is the effect of completing a facility.
type Completion struct {
	CollateralReleased money.Satoshis
	LedgerTxID         uuid.UUID
}

// Complete closes a facility whose accrual is exhausted and whose obligations are all paid.
// Remaining collateral is released.
func (f *Facility) Complete(balances Balances, txID uuid.UUID, at time.Time, audit authz.AuditInfo) (es.Idempotent[Completion], error) {
	if f.IsCompleted() {
		return es.Ignored[Completion](), nil
	}
	if !f.IsActivated() {
		return es.Idempotent[Completion]{}, ErrNotActive
	}
	if !f.InterestAccrualExhausted() {
		return es.Idempotent[Completion]{}, ErrInterestAccrualInProgress
	}
	if f.pendingDisbursals() > 0 {
		return es.Idempotent[Completion]{}, ErrDisbursalInProgress
	}
	if balances.Total() > 0 {
		return es.Idempotent[Completion]{}, fmt.Errorf("%w: %s", ErrOutstandingBalance, balances.Total())
	}

	released := f.Collateral()
	if released > 0 {
		f.events.Push(CollateralUpdated{Collateral: 0, Previous: released, LedgerTxID: txID, At: at, Audit: audit})
	}
	f.events.Push(Completed{At: at, CollateralReleased: released, LedgerTxID: txID, Audit: audit})
	return es.Executed(Completion{CollateralReleased: released, LedgerTxID: txID}), nil
}
