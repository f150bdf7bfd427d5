package credit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"creditcore/credit/accrual"
	"creditcore/credit/disbursal"
	"creditcore/credit/facility"
	"creditcore/credit/obligation"
	"creditcore/credit/payment"
	"creditcore/es"
)

const (
	facilityEntity   = "credit_facility"
	disbursalEntity  = "disbursal"
	obligationEntity = "obligation"
	paymentEntity    = "payment"
	allocationEntity = "payment_allocation"
	cycleEntity      = "interest_accrual_cycle"
)

type repositories struct {
	facilities  *es.Repository[facility.Event]
	disbursals  *es.Repository[disbursal.Event]
	obligations *es.Repository[obligation.Event]
	payments    *es.Repository[payment.Event]
	allocations *es.Repository[payment.AllocationEvent]
	cycles      *es.Repository[accrual.Event]
}

func newRepositories(pub *publisher, now func() time.Time) *repositories {
	return &repositories{
		facilities:  es.NewRepository(facilityEntity, facility.NewCodec()).WithClock(now).OnPersist(publish[facility.Event](pub, "credit.facility.", nil)),
		disbursals:  es.NewRepository(disbursalEntity, disbursal.NewCodec()).WithClock(now).OnPersist(publish[disbursal.Event](pub, "credit.disbursal.", nil)),
		obligations: es.NewRepository(obligationEntity, obligation.NewCodec()).WithClock(now).OnPersist(publish[obligation.Event](pub, "credit.obligation.", nil)),
		payments:    es.NewRepository(paymentEntity, payment.NewCodec()).WithClock(now).OnPersist(publish[payment.Event](pub, "credit.payment.", paymentIsPublic)),
		allocations: es.NewRepository(allocationEntity, payment.NewAllocationCodec()).WithClock(now),
		cycles:      es.NewRepository(cycleEntity, accrual.NewCodec()).WithClock(now).OnPersist(publish[accrual.Event](pub, "credit.interest_accrual.", cycleIsPublic)),
	}
}

func paymentIsPublic(ev payment.Event) bool {
	_, ok := ev.(payment.AllocationsRecorded)
	return ok
}

func cycleIsPublic(ev accrual.Event) bool {
	_, ok := ev.(accrual.InterestAccrualsPosted)
	return ok
}

func (r *repositories) facility(ctx context.Context, q es.DBTX, id uuid.UUID) (*facility.Facility, error) {
	events, err := r.facilities.Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return facility.FromEvents(events)
}

func (r *repositories) disbursal(ctx context.Context, q es.DBTX, id uuid.UUID) (*disbursal.Disbursal, error) {
	events, err := r.disbursals.Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return disbursal.FromEvents(events)
}

func (r *repositories) obligation(ctx context.Context, q es.DBTX, id uuid.UUID) (*obligation.Obligation, error) {
	events, err := r.obligations.Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return obligation.FromEvents(events)
}

func (r *repositories) cycle(ctx context.Context, q es.DBTX, id uuid.UUID) (*accrual.Cycle, error) {
	events, err := r.cycles.Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return accrual.FromEvents(events)
}

func (r *repositories) payment(ctx context.Context, q es.DBTX, id uuid.UUID) (*payment.Payment, error) {
	events, err := r.payments.Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return payment.FromEvents(events)
}

// obligationsOf loads every obligation of a facility, oldest first.
func (r *repositories) obligationsOf(ctx context.Context, q es.DBTX, facilityID uuid.UUID) ([]*obligation.Obligation, error) {
	streams, err := r.obligations.ListByParent(ctx, q, facilityID)
	if err != nil {
		return nil, err
	}
	out := make([]*obligation.Obligation, 0, len(streams))
	for _, events := range streams {
		o, err := obligation.FromEvents(events)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// balancesOf sums the outstanding amounts of a facility's obligations per type.
func (r *repositories) balancesOf(ctx context.Context, q es.DBTX, facilityID uuid.UUID) (facility.Balances, []*obligation.Obligation, error) {
	obs, err := r.obligationsOf(ctx, q, facilityID)
	if err != nil {
		return facility.Balances{}, nil, err
	}
	var b facility.Balances
	for _, o := range obs {
		switch o.Type {
		case obligation.TypeDisbursal:
			b.Disbursed += o.Outstanding()
		case obligation.TypeInterest:
			b.Interest += o.Outstanding()
		}
	}
	return b, obs, nil
}
