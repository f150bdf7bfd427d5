package accrual

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/obligation"
	"creditcore/money"
	"creditcore/terms"
)

var september = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func testCycle(t *testing.T, accrual terms.Interval) *Cycle {
	t.Helper()
	overdue := 30
	tm, err := terms.NewBuilder().
		AnnualRate("12").
		DurationMonths(12).
		Intervals(accrual, terms.EndOfMonth).
		CVLs("140", "125", "105").
		ObligationTimeline(5, &overdue, nil).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return New(NewCycle{
		ID:         uuid.New(),
		FacilityID: uuid.New(),
		Idx:        1,
		Period:     terms.EndOfMonth.PeriodFrom(september),
		Terms:      tm,
	}, authz.AuditInfo{})
}

func TestMonthlyCycle_PostsOneInterestObligation(t *testing.T) {
	c := testCycle(t, terms.EndOfMonth)

	period, ok := c.NextIncurrencePeriod()
	if !ok || period.Days() != 30 {
		t.Fatalf("next period = %s ok=%v", period, ok)
	}
	res, err := c.RecordIncurrence(period, 100_000_00, period.End)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	inc := res.MustValue()
	if inc.Amount != 98_631 || !inc.CycleIsEnded {
		t.Fatalf("incurrence = %+v, want $986.31 ending the cycle", inc)
	}

	obligationID := uuid.New()
	posted, err := c.Conclude(obligationID, uuid.New(), period.End, authz.AuditInfo{})
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	ob := posted.MustValue().NewObligation
	if ob == nil || ob.Type != obligation.TypeInterest || ob.Amount != 98_631 || ob.ID != obligationID {
		t.Fatalf("unexpected obligation %+v", ob)
	}
	if want := c.Period.End.AddDate(0, 0, 5); !ob.DueAt.Equal(want) || ob.OverdueAt == nil || ob.DefaultedAt != nil {
		t.Fatalf("due %s overdue %v defaulted %v", ob.DueAt, ob.OverdueAt, ob.DefaultedAt)
	}

	again, err := c.Conclude(uuid.New(), uuid.New(), period.End, authz.AuditInfo{})
	if err != nil || again.DidExecute() {
		t.Fatalf("second conclude must be ignored")
	}
	if _, err := c.RecordIncurrence(period, 1, period.End); !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("expected ErrAlreadyPosted, got %v", err)
	}
}

func TestDailyIncurrences(t *testing.T) {
	c := testCycle(t, terms.EndOfDay)

	if _, err := c.Conclude(uuid.New(), uuid.New(), september, authz.AuditInfo{}); !errors.Is(err, ErrNotExhausted) {
		t.Fatalf("expected ErrNotExhausted, got %v", err)
	}

	var last terms.Period
	days := 0
	for {
		p, ok := c.NextIncurrencePeriod()
		if !ok {
			break
		}
		principal := 36_500_00
		if days%2 == 1 {
			principal = 0
		}
		if _, err := c.RecordIncurrence(p, moneyOf(principal), p.End); err != nil {
			t.Fatalf("day %d: %v", days, err)
		}
		last = p
		days++
	}
	if days != 30 || !last.End.Equal(c.Period.End) {
		t.Fatalf("recorded %d incurrences ending %s", days, last.End)
	}
	if got := c.TotalAccrued(); got != 15*12_00 {
		t.Fatalf("total = %s, want $180.00", got)
	}
	if len(c.Incurrences()) != 30 {
		t.Fatalf("zero principal days must still be recorded")
	}

	replay, err := c.RecordIncurrence(last, 36_500_00, last.End)
	if err != nil || replay.DidExecute() {
		t.Fatalf("re-recording the last period must be ignored, got %v", err)
	}
}

func TestRecordIncurrence_RejectsSkippedPeriod(t *testing.T) {
	c := testCycle(t, terms.EndOfDay)
	p, _ := c.NextIncurrencePeriod()
	if _, err := c.RecordIncurrence(p.Next(), 1_00, p.End); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestConclude_ZeroInterestCreatesNoObligation(t *testing.T) {
	c := testCycle(t, terms.EndOfMonth)
	p, _ := c.NextIncurrencePeriod()
	if _, err := c.RecordIncurrence(p, 0, p.End); err != nil {
		t.Fatal(err)
	}
	res, err := c.Conclude(uuid.New(), uuid.New(), p.End, authz.AuditInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if posting := res.MustValue(); posting.NewObligation != nil || posting.Total != 0 {
		t.Fatalf("unexpected posting %+v", posting)
	}
	if !c.IsPosted() {
		t.Fatalf("cycle must be marked posted")
	}
}

func moneyOf(cents int) money.UsdCents { return money.UsdCents(cents) }
