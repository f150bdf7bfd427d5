package facility

import (
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/payment"
	"creditcore/es"
	"creditcore/money"
	"creditcore/terms"
)

type Event interface {
	es.Event
	isFacilityEvent()
}

type Initialized struct {
	ID                uuid.UUID       `json:"id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	ApprovalProcessID uuid.UUID       `json:"approval_process_id"`
	Amount            money.UsdCents  `json:"amount"`
	Terms             terms.Terms     `json:"terms"`
	Accounts          Accounts        `json:"accounts"`
	Audit             authz.AuditInfo `json:"audit"`
}

type ApprovalProcessConcluded struct {
	ProcessID uuid.UUID       `json:"process_id"`
	Approved  bool            `json:"approved"`
	Audit     authz.AuditInfo `json:"audit"`
}

type Activated struct {
	At         time.Time       `json:"at"`
	MaturesAt  time.Time       `json:"matures_at"`
	Fee        money.UsdCents  `json:"fee"`
	LedgerTxID uuid.UUID       `json:"ledger_tx_id"`
	Audit      authz.AuditInfo `json:"audit"`
}

type DisbursalInitiated struct {
	DisbursalID       uuid.UUID       `json:"disbursal_id"`
	ApprovalProcessID uuid.UUID       `json:"approval_process_id"`
	Idx               int             `json:"idx"`
	Amount            money.UsdCents  `json:"amount"`
	Audit             authz.AuditInfo `json:"audit"`
}

type DisbursalConcluded struct {
	DisbursalID  uuid.UUID       `json:"disbursal_id"`
	Settled      bool            `json:"settled"`
	ObligationID *uuid.UUID      `json:"obligation_id,omitempty"`
	LedgerTxID   uuid.UUID       `json:"ledger_tx_id"`
	Audit        authz.AuditInfo `json:"audit"`
}

type InterestAccrualCycleStarted struct {
	CycleID uuid.UUID       `json:"cycle_id"`
	Idx     int             `json:"idx"`
	Period  terms.Period    `json:"period"`
	Audit   authz.AuditInfo `json:"audit"`
}

type InterestAccrualCycleConcluded struct {
	CycleID      uuid.UUID       `json:"cycle_id"`
	Idx          int             `json:"idx"`
	Total        money.UsdCents  `json:"total"`
	ObligationID *uuid.UUID      `json:"obligation_id,omitempty"`
	Audit        authz.AuditInfo `json:"audit"`
}

type CollateralUpdated struct {
	Collateral money.Satoshis  `json:"collateral"`
	Previous   money.Satoshis  `json:"previous"`
	LedgerTxID uuid.UUID       `json:"ledger_tx_id"`
	At         time.Time       `json:"at"`
	Audit      authz.AuditInfo `json:"audit"`
}

type CollateralizationChanged struct {
	State       terms.CollateralizationState `json:"state"`
	Collateral  money.Satoshis               `json:"collateral"`
	Outstanding money.UsdCents               `json:"outstanding"`
	PriceCents  money.UsdCents               `json:"price_cents"`
	CVL         terms.CVLPct                 `json:"cvl"`
	At          time.Time                    `json:"at"`
	Audit       authz.AuditInfo              `json:"audit"`
}

type PaymentRecorded struct {
	PaymentID uuid.UUID         `json:"payment_id"`
	Amount    money.UsdCents    `json:"amount"`
	Breakdown payment.Breakdown `json:"breakdown"`
	At        time.Time         `json:"at"`
	Audit     authz.AuditInfo   `json:"audit"`
}

type Completed struct {
	At                 time.Time       `json:"at"`
	CollateralReleased money.Satoshis  `json:"collateral_released"`
	LedgerTxID         uuid.UUID       `json:"ledger_tx_id"`
	Audit              authz.AuditInfo `json:"audit"`
}

func (Initialized) EventType() string                   { return "initialized" }
func (ApprovalProcessConcluded) EventType() string      { return "approval_process_concluded" }
func (Activated) EventType() string                     { return "activated" }
func (DisbursalInitiated) EventType() string            { return "disbursal_initiated" }
func (DisbursalConcluded) EventType() string            { return "disbursal_concluded" }
func (InterestAccrualCycleStarted) EventType() string   { return "interest_accrual_cycle_started" }
func (InterestAccrualCycleConcluded) EventType() string { return "interest_accrual_cycle_concluded" }
func (CollateralUpdated) EventType() string             { return "collateral_updated" }
func (CollateralizationChanged) EventType() string      { return "collateralization_changed" }
func (PaymentRecorded) EventType() string               { return "payment_recorded" }
func (Completed) EventType() string                     { return "completed" }

func (Initialized) isFacilityEvent()                   {}
func (ApprovalProcessConcluded) isFacilityEvent()      {}
func (Activated) isFacilityEvent()                     {}
func (DisbursalInitiated) isFacilityEvent()            {}
func (DisbursalConcluded) isFacilityEvent()            {}
func (InterestAccrualCycleStarted) isFacilityEvent()   {}
func (InterestAccrualCycleConcluded) isFacilityEvent() {}
func (CollateralUpdated) isFacilityEvent()             {}
func (CollateralizationChanged) isFacilityEvent()      {}
func (PaymentRecorded) isFacilityEvent()               {}
func (Completed) isFacilityEvent()                     {}

func NewCodec() *es.Codec[Event] {
	c := es.NewCodec[Event]()
	es.Register[Event, Initialized](c)
	es.Register[Event, ApprovalProcessConcluded](c)
	es.Register[Event, Activated](c)
	es.Register[Event, DisbursalInitiated](c)
	es.Register[Event, DisbursalConcluded](c)
	es.Register[Event, InterestAccrualCycleStarted](c)
	es.Register[Event, InterestAccrualCycleConcluded](c)
	es.Register[Event, CollateralUpdated](c)
	es.Register[Event, CollateralizationChanged](c)
	es.Register[Event, PaymentRecorded](c)
	es.Register[Event, Completed](c)
	return c
}
