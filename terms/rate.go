package terms

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"creditcore/money"
)

const daysInYear = 365

var hundred = decimal.NewFromInt(100)

// AnnualRatePct is a yearly interest rate in percent, e.g. 12 for 12%.
type AnnualRatePct struct {
	pct decimal.Decimal
}

func NewAnnualRatePct(pct decimal.Decimal) AnnualRatePct { return AnnualRatePct{pct: pct} }

func (r AnnualRatePct) Decimal() decimal.Decimal { return r.pct }

// InterestForPeriod returns principal × rate/100 × days/365, rounded away from zero to whole cents.
func (r AnnualRatePct) InterestForPeriod(principal money.UsdCents, days int) money.UsdCents {
	if principal == 0 || days <= 0 || r.pct.IsZero() {
		return 0
	}
	v := principal.Decimal().
		Mul(r.pct).
		Mul(decimal.NewFromInt(int64(days))).
		Div(hundred.Mul(decimal.NewFromInt(daysInYear)))
	return money.UsdCents(v.RoundUp(0).IntPart())
}

func (r AnnualRatePct) String() string { return r.pct.String() + "%" }

func (r AnnualRatePct) MarshalJSON() ([]byte, error) { return json.Marshal(r.pct) }

func (r *AnnualRatePct) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &r.pct) }

// OneTimeFeeRatePct is charged once on the facility amount at activation.
type OneTimeFeeRatePct struct {
	pct decimal.Decimal
}

func NewOneTimeFeeRatePct(pct decimal.Decimal) OneTimeFeeRatePct { return OneTimeFeeRatePct{pct: pct} }

func (r OneTimeFeeRatePct) Apply(amount money.UsdCents) money.UsdCents {
	return money.UsdCents(amount.Decimal().Mul(r.pct).Div(hundred).RoundUp(0).IntPart())
}

func (r OneTimeFeeRatePct) MarshalJSON() ([]byte, error) { return json.Marshal(r.pct) }

func (r *OneTimeFeeRatePct) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &r.pct) }

func validatePct(name string, pct decimal.Decimal) error {
	if pct.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidTerms, name)
	}
	return nil
}
