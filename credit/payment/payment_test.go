package payment

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/obligation"
	"creditcore/money"
)

var t0 = time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)

func open(typ obligation.Type, amount money.UsdCents, age int) Outstanding {
	return Outstanding{ID: uuid.New(), Type: typ, Amount: amount, CreatedAt: t0.AddDate(0, 0, -age)}
}

func TestAllocate_InterestFirstWaterfall(t *testing.T) {
	interest := open(obligation.TypeInterest, 20_00, 5)
	oldDisbursal := open(obligation.TypeDisbursal, 300_00, 60)
	newDisbursal := open(obligation.TypeDisbursal, 400_00, 10)

	allocs := Allocate(uuid.New(), uuid.New(), 520_00, []Outstanding{newDisbursal, interest, oldDisbursal}, InterestFirst, t0)
	if len(allocs) != 3 {
		t.Fatalf("allocations = %d, want 3", len(allocs))
	}
	want := []struct {
		id     uuid.UUID
		amount money.UsdCents
	}{
		{interest.ID, 20_00},
		{oldDisbursal.ID, 300_00},
		{newDisbursal.ID, 200_00},
	}
	for i, w := range want {
		if allocs[i].ObligationID != w.id || allocs[i].Amount != w.amount {
			t.Fatalf("allocation %d = %s to %s, want %s to %s", i, allocs[i].Amount, allocs[i].ObligationID, w.amount, w.id)
		}
	}
	b := BreakdownOf(allocs)
	if b.Interest != 20_00 || b.Disbursal != 500_00 || b.Total() != 520_00 {
		t.Fatalf("breakdown = %+v", b)
	}
}

func TestAllocate_DisbursalFirst(t *testing.T) {
	interest := open(obligation.TypeInterest, 50_00, 90)
	disbursal := open(obligation.TypeDisbursal, 500_00, 1)

	allocs := Allocate(uuid.New(), uuid.New(), 520_00, []Outstanding{interest, disbursal}, DisbursalFirst, t0)
	if len(allocs) != 2 || allocs[0].ObligationID != disbursal.ID || allocs[0].Amount != 500_00 {
		t.Fatalf("unexpected allocation order: %+v", allocs)
	}
	if allocs[1].ObligationID != interest.ID || allocs[1].Amount != 20_00 {
		t.Fatalf("interest allocation = %+v", allocs[1])
	}
	if left := interest.Amount - allocs[1].Amount; left != 30_00 {
		t.Fatalf("interest left = %s, want $30.00", left)
	}
}

func TestAllocate_Conservation(t *testing.T) {
	obs := []Outstanding{
		open(obligation.TypeInterest, 7, 3),
		open(obligation.TypeDisbursal, 1_000, 2),
		open(obligation.TypeInterest, 0, 1),
		open(obligation.TypeDisbursal, 55, 1),
	}
	byID := map[uuid.UUID]money.UsdCents{}
	var total money.UsdCents
	for _, o := range obs {
		byID[o.ID] = o.Amount
		total += o.Amount
	}

	for _, amount := range []money.UsdCents{1, 7, 8, 500, 1_062, 5_000} {
		allocs := Allocate(uuid.New(), uuid.New(), amount, obs, InterestFirst, t0)
		var sum money.UsdCents
		for _, a := range allocs {
			if a.Amount <= 0 || a.Amount > byID[a.ObligationID] {
				t.Fatalf("amount %s: allocation %s out of range for %s", amount, a.Amount, a.ObligationID)
			}
			sum += a.Amount
		}
		if want := money.Min(amount, total); sum != want {
			t.Fatalf("amount %s: allocated %s, want %s", amount, sum, want)
		}
	}
}

func TestAllocate_DeterministicIDsAndIndex(t *testing.T) {
	paymentID := uuid.New()
	o := open(obligation.TypeDisbursal, 10_00, 1)
	o.AllocationCount = 2

	a := Allocate(uuid.New(), paymentID, 5_00, []Outstanding{o}, InterestFirst, t0)
	b := Allocate(uuid.New(), paymentID, 5_00, []Outstanding{o}, InterestFirst, t0)
	if a[0].ID != b[0].ID || a[0].ID != AllocationID(paymentID, o.ID) {
		t.Fatalf("allocation ids must be reproducible")
	}
	if a[0].ObligationAllocationIdx != 3 {
		t.Fatalf("allocation idx = %d, want 3", a[0].ObligationAllocationIdx)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != DisbursalFirst {
		t.Fatalf("default policy = %s %v", p, err)
	}
	if _, err := ParsePolicy("largest_first"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestPayment_RecordAllocations(t *testing.T) {
	p, err := New(uuid.New(), uuid.New(), 100_00, t0, authz.AuditInfo{})
	if err != nil {
		t.Fatal(err)
	}
	allocs := Allocate(p.FacilityID, p.ID, p.Amount, []Outstanding{open(obligation.TypeInterest, 60_00, 1)}, InterestFirst, t0)

	res, err := p.RecordAllocations(allocs, authz.AuditInfo{})
	if err != nil || res.MustValue().Interest != 60_00 {
		t.Fatalf("record = %+v %v", res, err)
	}
	if _, unallocated, ok := p.Breakdown(); !ok || unallocated != 40_00 {
		t.Fatalf("unallocated = %s", unallocated)
	}
	again, err := p.RecordAllocations(allocs, authz.AuditInfo{})
	if err != nil || again.DidExecute() {
		t.Fatalf("second record must be ignored")
	}
	if _, err := New(uuid.New(), uuid.New(), 0, t0, authz.AuditInfo{}); err == nil {
		t.Fatalf("zero payment must be rejected")
	}
}
