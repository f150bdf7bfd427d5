package terms

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"creditcore/money"
)

// CVLPct is collateral value over loan in percent. A zero loan has an infinite CVL.
type CVLPct struct {
	pct      decimal.Decimal
	infinite bool
}

func NewCVLPct(pct decimal.Decimal) CVLPct { return CVLPct{pct: pct} }

func InfiniteCVL() CVLPct { return CVLPct{infinite: true} }

// ComputeCVL values the collateral at price and divides it by the outstanding amount.
func ComputeCVL(collateral money.Satoshis, price money.PriceOfOneBTC, outstanding money.UsdCents) CVLPct {
	if outstanding <= 0 {
		return InfiniteCVL()
	}
	value := price.SatsToCents(collateral)
	pct := value.Decimal().Mul(hundred).Div(outstanding.Decimal()).Round(2)
	return CVLPct{pct: pct}
}

func (c CVLPct) IsInfinite() bool { return c.infinite }

func (c CVLPct) Decimal() decimal.Decimal { return c.pct }

func (c CVLPct) Less(o CVLPct) bool {
	switch {
	case c.infinite:
		return false
	case o.infinite:
		return true
	default:
		return c.pct.LessThan(o.pct)
	}
}

func (c CVLPct) GreaterOrEqual(o CVLPct) bool { return !c.Less(o) }

func (c CVLPct) Add(o CVLPct) CVLPct {
	if c.infinite || o.infinite {
		return InfiniteCVL()
	}
	return CVLPct{pct: c.pct.Add(o.pct)}
}

func (c CVLPct) Sub(o CVLPct) CVLPct {
	if c.infinite {
		return c
	}
	return CVLPct{pct: c.pct.Sub(o.pct)}
}

func (c CVLPct) String() string {
	if c.infinite {
		return "inf"
	}
	return c.pct.String() + "%"
}

func (c CVLPct) MarshalJSON() ([]byte, error) {
	if c.infinite {
		return json.Marshal("inf")
	}
	return json.Marshal(c.pct)
}

func (c *CVLPct) UnmarshalJSON(b []byte) error {
	if string(b) == `"inf"` {
		*c = InfiniteCVL()
		return nil
	}
	c.infinite = false
	return json.Unmarshal(b, &c.pct)
}

// CollateralizationState is derived from the CVL against the facility thresholds.
type CollateralizationState string

const (
	NoCollateral              CollateralizationState = "no_collateral"
	FullyCollateralized       CollateralizationState = "fully_collateralized"
	UnderMarginCallThreshold  CollateralizationState = "under_margin_call_threshold"
	UnderLiquidationThreshold CollateralizationState = "under_liquidation_threshold"
	NoExposure                CollateralizationState = "no_exposure"
)

// rank orders the CVL-driven states from healthiest to worst. Other states have no rank.
func (s CollateralizationState) rank() (int, bool) {
	switch s {
	case FullyCollateralized:
		return 0, true
	case UnderMarginCallThreshold:
		return 1, true
	case UnderLiquidationThreshold:
		return 2, true
	default:
		return 0, false
	}
}

func (t Terms) stateFor(cvl CVLPct) CollateralizationState {
	switch {
	case cvl.GreaterOrEqual(t.MarginCallCVL):
		return FullyCollateralized
	case cvl.GreaterOrEqual(t.LiquidationCVL):
		return UnderMarginCallThreshold
	default:
		return UnderLiquidationThreshold
	}
}

// CollateralizationState classifies a facility without hysteresis.
func (t Terms) CollateralizationState(collateral money.Satoshis, outstanding money.UsdCents, cvl CVLPct) CollateralizationState {
	switch {
	case outstanding <= 0:
		return NoExposure
	case collateral <= 0:
		return NoCollateral
	default:
		return t.stateFor(cvl)
	}
}

// CollateralizationUpdate returns the state to record given the current one, or false when the
// state must not change. Moving between CVL-driven states requires clearing the threshold by
// buffer: a worsening is confirmed at cvl+buffer, an improvement at cvl-buffer.
func (t Terms) CollateralizationUpdate(current CollateralizationState, collateral money.Satoshis, outstanding money.UsdCents, cvl, buffer CVLPct) (CollateralizationState, bool) {
	raw := t.CollateralizationState(collateral, outstanding, cvl)
	if raw == current {
		return current, false
	}

	rawRank, rawRanked := raw.rank()
	curRank, curRanked := current.rank()
	if !rawRanked || !curRanked {
		return raw, true
	}

	var next CollateralizationState
	if rawRank > curRank {
		next = t.stateFor(cvl.Add(buffer))
		if r, _ := next.rank(); r <= curRank {
			return current, false
		}
	} else {
		next = t.stateFor(cvl.Sub(buffer))
		if r, _ := next.rank(); r >= curRank {
			return current, false
		}
	}
	return next, true
}
