package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	centsPerDollar  = 100
	satsPerBitcoin  = 100_000_000
	maxDisplayScale = 2
)

// UsdCents is an amount of US dollars expressed in cents.
type UsdCents int64

func CentsFromDollars(d decimal.Decimal) UsdCents {
	return UsdCents(d.Mul(decimal.NewFromInt(centsPerDollar)).Round(0).IntPart())
}

func (c UsdCents) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(c))
}

func (c UsdCents) Dollars() decimal.Decimal {
	return decimal.NewFromInt(int64(c)).Div(decimal.NewFromInt(centsPerDollar))
}

func (c UsdCents) IsZero() bool { return c == 0 }

func Min(a, b UsdCents) UsdCents {
	if a < b {
		return a
	}
	return b
}

func (c UsdCents) String() string {
	return "$" + c.Dollars().StringFixed(maxDisplayScale)
}

// Satoshis is an amount of bitcoin expressed in satoshis.
type Satoshis int64

func (s Satoshis) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(s))
}

func (s Satoshis) BTC() decimal.Decimal {
	return decimal.NewFromInt(int64(s)).Div(decimal.NewFromInt(satsPerBitcoin))
}

func (s Satoshis) String() string {
	return fmt.Sprintf("%d sats", int64(s))
}

// PriceOfOneBTC is the USD price of one whole bitcoin.
type PriceOfOneBTC struct {
	cents UsdCents
}

func NewPriceOfOneBTC(cents UsdCents) PriceOfOneBTC {
	return PriceOfOneBTC{cents: cents}
}

func (p PriceOfOneBTC) Cents() UsdCents { return p.cents }

// SatsToCents values collateral at this price, truncating fractional cents.
func (p PriceOfOneBTC) SatsToCents(sats Satoshis) UsdCents {
	v := sats.Decimal().Mul(p.cents.Decimal()).Div(decimal.NewFromInt(satsPerBitcoin))
	return UsdCents(v.Truncate(0).IntPart())
}

// CentsToSatsRoundUp returns the collateral needed to cover cents at this price.
func (p PriceOfOneBTC) CentsToSatsRoundUp(cents UsdCents) Satoshis {
	if p.cents == 0 {
		return 0
	}
	v := cents.Decimal().Mul(decimal.NewFromInt(satsPerBitcoin)).Div(p.cents.Decimal())
	return Satoshis(v.Ceil().IntPart())
}
