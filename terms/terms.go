// Package terms holds the commercial terms of a credit facility and the pure calculations
// derived from them: accrual periods, interest, fees and collateralization.
package terms

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"creditcore/money"
)

var ErrInvalidTerms = errors.New("terms: invalid terms")

// Terms are fixed at facility creation and copied into each accrual cycle.
type Terms struct {
	AnnualRate           AnnualRatePct     `json:"annual_rate"`
	DurationMonths       int               `json:"duration_months"`
	AccrualInterval      Interval          `json:"accrual_interval"`
	AccrualCycleInterval Interval          `json:"accrual_cycle_interval"`
	OneTimeFeeRate       OneTimeFeeRatePct `json:"one_time_fee_rate"`
	InitialCVL           CVLPct            `json:"initial_cvl"`
	MarginCallCVL        CVLPct            `json:"margin_call_cvl"`
	LiquidationCVL       CVLPct            `json:"liquidation_cvl"`
	// InterestDueAfterDays delays the due date of interest obligations after their cycle ends.
	InterestDueAfterDays int `json:"interest_due_after_days"`
	// Nil disables the transition.
	ObligationOverdueAfterDays   *int `json:"obligation_overdue_after_days,omitempty"`
	ObligationDefaultedAfterDays *int `json:"obligation_defaulted_after_days,omitempty"`
}

func (t Terms) Validate() error {
	if t.DurationMonths <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidTerms)
	}
	if !t.AccrualInterval.valid() || !t.AccrualCycleInterval.valid() {
		return fmt.Errorf("%w: unknown accrual interval", ErrInvalidTerms)
	}
	if err := validatePct("annual rate", t.AnnualRate.pct); err != nil {
		return err
	}
	if err := validatePct("one time fee rate", t.OneTimeFeeRate.pct); err != nil {
		return err
	}
	if t.InitialCVL.IsInfinite() || t.MarginCallCVL.IsInfinite() || t.LiquidationCVL.IsInfinite() {
		return fmt.Errorf("%w: cvl thresholds must be finite", ErrInvalidTerms)
	}
	if !t.MarginCallCVL.Less(t.InitialCVL) || !t.LiquidationCVL.Less(t.MarginCallCVL) {
		return fmt.Errorf("%w: require initial cvl > margin call cvl > liquidation cvl", ErrInvalidTerms)
	}
	if t.InterestDueAfterDays < 0 {
		return fmt.Errorf("%w: interest due delay must not be negative", ErrInvalidTerms)
	}
	if o, d := t.ObligationOverdueAfterDays, t.ObligationDefaultedAfterDays; o != nil && d != nil && *d < *o {
		return fmt.Errorf("%w: default must not precede overdue", ErrInvalidTerms)
	}
	return nil
}

// MaturesAt is the end of the facility term for a facility activated at activatedAt.
func (t Terms) MaturesAt(activatedAt time.Time) time.Time {
	return endOfDay(activatedAt.UTC().AddDate(0, t.DurationMonths, 0))
}

// IsActivationAllowed reports whether collateral covers the facility at the initial CVL.
func (t Terms) IsActivationAllowed(collateral money.Satoshis, price money.PriceOfOneBTC, amount money.UsdCents) bool {
	return ComputeCVL(collateral, price, amount).GreaterOrEqual(t.InitialCVL)
}

// ObligationTimeline returns the overdue and defaulted dates of an obligation due at dueAt.
func (t Terms) ObligationTimeline(dueAt time.Time) (overdueAt, defaultedAt *time.Time) {
	if t.ObligationOverdueAfterDays != nil {
		at := dueAt.AddDate(0, 0, *t.ObligationOverdueAfterDays)
		overdueAt = &at
	}
	if t.ObligationDefaultedAfterDays != nil {
		at := dueAt.AddDate(0, 0, *t.ObligationDefaultedAfterDays)
		defaultedAt = &at
	}
	return overdueAt, defaultedAt
}

// Builder assembles Terms from plain values.
type Builder struct {
	t Terms
}

func NewBuilder() *Builder {
	return &Builder{t: Terms{AccrualInterval: EndOfDay, AccrualCycleInterval: EndOfMonth}}
}

func (b *Builder) AnnualRate(pct string) *Builder {
	b.t.AnnualRate = NewAnnualRatePct(decimal.RequireFromString(pct))
	return b
}

func (b *Builder) DurationMonths(n int) *Builder {
	b.t.DurationMonths = n
	return b
}

func (b *Builder) Intervals(accrual, cycle Interval) *Builder {
	b.t.AccrualInterval = accrual
	b.t.AccrualCycleInterval = cycle
	return b
}

func (b *Builder) OneTimeFeeRate(pct string) *Builder {
	b.t.OneTimeFeeRate = NewOneTimeFeeRatePct(decimal.RequireFromString(pct))
	return b
}

func (b *Builder) CVLs(initial, marginCall, liquidation string) *Builder {
	b.t.InitialCVL = NewCVLPct(decimal.RequireFromString(initial))
	b.t.MarginCallCVL = NewCVLPct(decimal.RequireFromString(marginCall))
	b.t.LiquidationCVL = NewCVLPct(decimal.RequireFromString(liquidation))
	return b
}

func (b *Builder) ObligationTimeline(interestDueAfter int, overdueAfter, defaultedAfter *int) *Builder {
	b.t.InterestDueAfterDays = interestDueAfter
	b.t.ObligationOverdueAfterDays = overdueAfter
	b.t.ObligationDefaultedAfterDays = defaultedAfter
	return b
}

func (b *Builder) Build() (Terms, error) {
	if err := b.t.Validate(); err != nil {
		return Terms{}, err
	}
	return b.t, nil
}
