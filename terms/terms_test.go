package terms

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"creditcore/money"
)

func testTerms(t *testing.T) Terms {
	t.Helper()
	overdue, defaulted := 30, 90
	tm, err := NewBuilder().
		AnnualRate("12").
		DurationMonths(12).
		Intervals(EndOfMonth, EndOfMonth).
		OneTimeFeeRate("1").
		CVLs("140", "125", "105").
		ObligationTimeline(0, &overdue, &defaulted).
		Build()
	if err != nil {
		t.Fatalf("build terms: %v", err)
	}
	return tm
}

func TestInterestForPeriod_ThirtyDays(t *testing.T) {
	rate := NewAnnualRatePct(decimal.NewFromInt(12))
	principal := money.UsdCents(100_000_00)

	got := rate.InterestForPeriod(principal, 30)
	if got != 98_631 {
		t.Fatalf("interest = %s, want $986.31", got)
	}
}

func TestInterestForPeriod_RoundsAwayFromZero(t *testing.T) {
	rate := NewAnnualRatePct(decimal.NewFromInt(12))
	tests := []struct {
		name      string
		principal money.UsdCents
		days      int
		want      money.UsdCents
	}{
		{"fraction of a cent rounds up", 1_00, 1, 1},
		{"zero principal", 0, 30, 0},
		{"zero days", 1_000_00, 0, 0},
		{"exact cents stay exact", 365_00, 1, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rate.InterestForPeriod(tt.principal, tt.days); got != tt.want {
				t.Fatalf("interest = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPeriod_Months(t *testing.T) {
	start := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	p := EndOfMonth.PeriodFrom(start)
	if p.Days() != 30 {
		t.Fatalf("days = %d, want 30", p.Days())
	}

	next := p.Next()
	if !next.Start.Equal(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)) || next.Days() != 31 {
		t.Fatalf("unexpected next period %s (%d days)", next, next.Days())
	}

	mid := EndOfMonth.PeriodFrom(time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC))
	if mid.Days() != 20 {
		t.Fatalf("days from Feb 10 in a leap year = %d, want 20", mid.Days())
	}

	day := EndOfDay.PeriodFrom(start)
	if day.Days() != 1 || !day.Next().Start.Equal(start.AddDate(0, 0, 1)) {
		t.Fatalf("unexpected daily period %s", day)
	}
}

func TestPeriod_TruncateAt(t *testing.T) {
	p := EndOfMonth.PeriodFrom(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC))
	limit := time.Date(2024, 9, 10, 23, 59, 59, 0, time.UTC)

	cut, ok := p.TruncateAt(limit)
	if !ok || cut.Days() != 10 {
		t.Fatalf("truncated = %s ok=%v", cut, ok)
	}
	if _, ok := p.Next().TruncateAt(limit); ok {
		t.Fatalf("period starting after the limit must be rejected")
	}
}

func TestComputeCVL(t *testing.T) {
	price := money.NewPriceOfOneBTC(50_000_00)

	cvl := ComputeCVL(100_000_000, price, 40_000_00)
	if !cvl.Decimal().Equal(decimal.NewFromInt(125)) {
		t.Fatalf("cvl = %s, want 125%%", cvl)
	}
	if !ComputeCVL(1, price, 0).IsInfinite() {
		t.Fatalf("zero outstanding must give infinite cvl")
	}
	if !NewCVLPct(decimal.NewFromInt(1_000_000)).Less(InfiniteCVL()) {
		t.Fatalf("finite cvl must be less than infinite")
	}
}

func TestCollateralizationUpdate_Hysteresis(t *testing.T) {
	tm := testTerms(t)
	buffer := NewCVLPct(decimal.NewFromInt(5))
	cvl := func(v int64) CVLPct { return NewCVLPct(decimal.NewFromInt(v)) }

	steps := []struct {
		cvl     int64
		want    CollateralizationState
		changed bool
	}{
		{140, FullyCollateralized, false},
		{122, FullyCollateralized, false},
		{119, UnderMarginCallThreshold, true},
		{118, UnderMarginCallThreshold, false},
		{128, UnderMarginCallThreshold, false},
		{131, FullyCollateralized, true},
		{102, UnderMarginCallThreshold, true},
		{99, UnderLiquidationThreshold, true},
	}

	state := FullyCollateralized
	changes := 0
	for i, s := range steps {
		next, changed := tm.CollateralizationUpdate(state, 1, 1, cvl(s.cvl), buffer)
		if changed != s.changed || next != s.want {
			t.Fatalf("step %d (cvl %d): got (%s, %v), want (%s, %v)", i, s.cvl, next, changed, s.want, s.changed)
		}
		if changed {
			changes++
			state = next
		}
	}
	if changes != 4 {
		t.Fatalf("changes = %d, want 4", changes)
	}
}

func TestCollateralizationUpdate_UnrankedStatesChangeImmediately(t *testing.T) {
	tm := testTerms(t)
	buffer := NewCVLPct(decimal.NewFromInt(5))

	if next, ok := tm.CollateralizationUpdate(NoCollateral, 1, 100, NewCVLPct(decimal.NewFromInt(126)), buffer); !ok || next != FullyCollateralized {
		t.Fatalf("got (%s, %v)", next, ok)
	}
	if next, ok := tm.CollateralizationUpdate(FullyCollateralized, 1, 0, InfiniteCVL(), buffer); !ok || next != NoExposure {
		t.Fatalf("got (%s, %v)", next, ok)
	}
	if _, ok := tm.CollateralizationUpdate(NoExposure, 1, 0, InfiniteCVL(), buffer); ok {
		t.Fatalf("unchanged exposure must not report a change")
	}
}

func TestValidate(t *testing.T) {
	_, err := NewBuilder().AnnualRate("12").DurationMonths(12).CVLs("120", "125", "105").Build()
	if !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected invalid terms for inverted cvl thresholds, got %v", err)
	}
	_, err = NewBuilder().AnnualRate("12").DurationMonths(0).CVLs("140", "125", "105").Build()
	if !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected invalid terms for zero duration, got %v", err)
	}
}

func TestTerms_JSON(t *testing.T) {
	tm := testTerms(t)
	raw, err := json.Marshal(tm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Terms
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.AnnualRate.InterestForPeriod(100_000_00, 30) != 98_631 || back.InitialCVL.String() != "140%" {
		t.Fatalf("terms did not survive encoding: %s", raw)
	}
	if *back.ObligationDefaultedAfterDays != 90 {
		t.Fatalf("defaulted after = %d", *back.ObligationDefaultedAfterDays)
	}
}

func TestOneTimeFee(t *testing.T) {
	fee := NewOneTimeFeeRatePct(decimal.RequireFromString("1.5"))
	if got := fee.Apply(10_000_00); got != 150_00 {
		t.Fatalf("fee = %s, want $150.00", got)
	}
}
