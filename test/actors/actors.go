package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"creditcore/authz"
	"creditcore/credit"
	"creditcore/credit/facility"
	"creditcore/es"
	"creditcore/money"
	"creditcore/price"
)

var operator = authz.Subject("stress")

// expected reports errors that concurrent actors and injected backend kills are allowed to
// cause.
func expected(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P01" {
		return true
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "conn closed") {
		return true
	}
	return errors.Is(err, es.ErrRetriesExhausted) ||
		errors.Is(err, es.ErrConcurrentModification) ||
		errors.Is(err, facility.ErrCompleted) ||
		errors.Is(err, facility.ErrDisbursalInProgress) ||
		errors.Is(err, facility.ErrBelowMarginCallCVL) ||
		errors.Is(err, facility.ErrDisbursalExceedsFacility)
}

func pause(lo, spread int) {
	time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Payer records payments against a facility. Every fourth payment re-sends an earlier payment
// id to exercise idempotency.
func Payer(ctx context.Context, svc *credit.Service, facilityID uuid.UUID, stop <-chan struct{}) error {
	var sent []uuid.UUID
	for i := 0; ; i++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := uuid.New()
		if i%4 == 3 && len(sent) > 0 {
			id = sent[rand.Intn(len(sent))]
		}
		amount := money.UsdCents(50_00 + rand.Int63n(450_00))
		if _, err := svc.RecordPayment(ctx, operator, facilityID, id, amount); err != nil && !expected(err) {
			return fmt.Errorf("payer: %w", err)
		}
		sent = append(sent, id)
		pause(5, 20)
	}
}

// Drawer initiates small disbursals. The disbursal approval is concluded by governance, either
// automatically or by Concluder.
func Drawer(ctx context.Context, svc *credit.Service, facilityID uuid.UUID, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		amount := money.UsdCents(100_00 + rand.Int63n(900_00))
		d, err := svc.InitiateDisbursal(ctx, operator, facilityID, amount)
		switch {
		case err != nil && !expected(err):
			return fmt.Errorf("drawer: %w", err)
		case err == nil:
			if _, err := svc.DisbursalApprovalConcluded(ctx, operator, d.ID, rand.Intn(5) != 0); err != nil && !expected(err) {
				return fmt.Errorf("drawer conclude: %w", err)
			}
		}
		pause(20, 40)
	}
}

// CollateralShaker moves the posted collateral between one and four bitcoin.
func CollateralShaker(ctx context.Context, svc *credit.Service, facilityID uuid.UUID, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		sats := money.Satoshis(100_000_000 + rand.Int63n(300_000_000))
		if _, err := svc.UpdateCollateral(ctx, operator, facilityID, sats); err != nil && !expected(err) {
			return fmt.Errorf("collateral: %w", err)
		}
		pause(30, 50)
	}
}

// Repricer moves the BTC price and re-evaluates collateralization.
func Repricer(ctx context.Context, svc *credit.Service, prices *price.Static, facilityID uuid.UUID, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		cents := money.UsdCents(20_000_00 + rand.Int63n(60_000_00))
		prices.Set(cents)
		if _, err := svc.UpdateCollateralization(ctx, operator, facilityID, money.NewPriceOfOneBTC(cents)); err != nil && !expected(err) {
			return fmt.Errorf("repricer: %w", err)
		}
		pause(50, 100)
	}
}
