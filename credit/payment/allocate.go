package payment

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"creditcore/credit/obligation"
	"creditcore/ledger"
	"creditcore/money"
)

// Policy orders obligation types when a payment is spread across them.
type Policy string

const (
	InterestFirst  Policy = "interest_first"
	DisbursalFirst Policy = "disbursal_first"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case InterestFirst, DisbursalFirst:
		return p, nil
	case "":
		return DisbursalFirst, nil
	default:
		return "", fmt.Errorf("payment: unknown allocation policy %q", s)
	}
}

func (p Policy) priority(t obligation.Type) int {
	first := obligation.TypeInterest
	if p == DisbursalFirst {
		first = obligation.TypeDisbursal
	}
	if t == first {
		return 0
	}
	return 1
}

// Outstanding is the allocator's view of one open obligation.
type Outstanding struct {
	ID                uuid.UUID
	Type              obligation.Type
	Amount            money.UsdCents
	CreatedAt         time.Time
	ReceivableAccount ledger.AccountID
	// AllocationCount is the number of payments the obligation received so far.
	AllocationCount int
}

func OutstandingOf(o *obligation.Obligation) Outstanding {
	return Outstanding{
		ID:                o.ID,
		Type:              o.Type,
		Amount:            o.Outstanding(),
		CreatedAt:         o.EffectiveAt,
		ReceivableAccount: o.ReceivableAccount,
		AllocationCount:   o.AllocationCount(),
	}
}

// NewAllocation is the slice of a payment applied to one obligation.
type NewAllocation struct {
	ID                      uuid.UUID        `json:"id"`
	PaymentID               uuid.UUID        `json:"payment_id"`
	FacilityID              uuid.UUID        `json:"facility_id"`
	ObligationID            uuid.UUID        `json:"obligation_id"`
	ObligationType          obligation.Type  `json:"obligation_type"`
	ObligationAllocationIdx int              `json:"obligation_allocation_idx"`
	Amount                  money.UsdCents   `json:"amount"`
	ReceivableAccount       ledger.AccountID `json:"receivable_account"`
	EffectiveAt             time.Time        `json:"effective_at"`
}

// AllocationID is derived from the payment and obligation so a retried command reproduces it.
func AllocationID(paymentID, obligationID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(paymentID, obligationID[:])
}

// Allocate spreads amount over the open obligations: by policy priority, then oldest first.
// The result never exceeds amount in total nor any obligation's outstanding balance. What
// cannot be allocated stays with the payment.
func Allocate(facilityID, paymentID uuid.UUID, amount money.UsdCents, open []Outstanding, policy Policy, at time.Time) []NewAllocation {
	sorted := make([]Outstanding, 0, len(open))
	for _, o := range open {
		if o.Amount > 0 {
			sorted = append(sorted, o)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := policy.priority(sorted[i].Type), policy.priority(sorted[j].Type)
		if pi != pj {
			return pi < pj
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	remaining := amount
	var out []NewAllocation
	for _, o := range sorted {
		if remaining <= 0 {
			break
		}
		slice := money.Min(remaining, o.Amount)
		out = append(out, NewAllocation{
			ID:                      AllocationID(paymentID, o.ID),
			PaymentID:               paymentID,
			FacilityID:              facilityID,
			ObligationID:            o.ID,
			ObligationType:          o.Type,
			ObligationAllocationIdx: o.AllocationCount + 1,
			Amount:                  slice,
			ReceivableAccount:       o.ReceivableAccount,
			EffectiveAt:             at,
		})
		remaining -= slice
	}
	return out
}

// Breakdown totals allocations per obligation type.
type Breakdown struct {
	Disbursal money.UsdCents `json:"disbursal"`
	Interest  money.UsdCents `json:"interest"`
}

func (b Breakdown) Total() money.UsdCents { return b.Disbursal + b.Interest }

func BreakdownOf(allocs []NewAllocation) Breakdown {
	var b Breakdown
	for _, a := range allocs {
		switch a.ObligationType {
		case obligation.TypeDisbursal:
			b.Disbursal += a.Amount
		case obligation.TypeInterest:
			b.Interest += a.Amount
		}
	}
	return b
}
