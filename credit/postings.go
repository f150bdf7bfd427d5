package credit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"creditcore/credit/accrual"
	"creditcore/credit/facility"
	"creditcore/credit/payment"
	"creditcore/ledger"
	"creditcore/money"
)

const (
	templateActivation        = "credit_facility_activation"
	templateDisbursal         = "credit_facility_disbursal"
	templateInterestPosting   = "credit_facility_interest_posting"
	templatePaymentAllocation = "credit_facility_payment_allocation"
	templateCollateral        = "credit_facility_collateral_update"
	templateCollateralRelease = "credit_facility_collateral_release"
)

var chartNamespace = uuid.MustParse("6f1c4d2e-8a0b-4c55-9d63-2f7e5a1b9c40")

// Chart holds the omnibus accounts shared by every facility.
type Chart struct {
	FacilityOmnibus   ledger.AccountID
	CollateralOmnibus ledger.AccountID
	// Deposits is where disbursed funds go and payments come from.
	Deposits ledger.AccountID
}

func DefaultChart() Chart {
	id := func(name string) ledger.AccountID { return ledger.AccountID(uuid.NewSHA1(chartNamespace, []byte(name))) }
	return Chart{
		FacilityOmnibus:   id("credit-facility-omnibus"),
		CollateralOmnibus: id("credit-collateral-omnibus"),
		Deposits:          id("credit-deposits-omnibus"),
	}
}

// ledgerTxID derives the posting id of an entity step so retried commands reuse it.
func ledgerTxID(entityID uuid.UUID, step string) uuid.UUID {
	return uuid.NewSHA1(entityID, []byte(step))
}

func usd(acct ledger.AccountID, dir ledger.Direction, amount money.UsdCents) ledger.Entry {
	return ledger.Entry{Account: acct, Direction: dir, Currency: ledger.USD, Amount: int64(amount)}
}

func btc(acct ledger.AccountID, dir ledger.Direction, amount money.Satoshis) ledger.Entry {
	return ledger.Entry{Account: acct, Direction: dir, Currency: ledger.BTC, Amount: int64(amount)}
}

func transaction(txID uuid.UUID, template string, at time.Time, meta map[string]string, entries ...ledger.Entry) ledger.Transaction {
	return ledger.Transaction{
		IdempotencyKey: txID.String(),
		Template:       template,
		EffectiveDate:  at.UTC(),
		Entries:        entries,
		Metadata:       meta,
	}
}

// activationPosting opens the facility commitment and charges the one-time fee.
func activationPosting(ch Chart, f *facility.Facility, a facility.Activation) ledger.Transaction {
	entries := []ledger.Entry{
		usd(f.Accounts.Facility, ledger.Debit, f.Amount),
		usd(ch.FacilityOmnibus, ledger.Credit, f.Amount),
	}
	if a.Fee > 0 {
		entries = append(entries,
			usd(ch.Deposits, ledger.Debit, a.Fee),
			usd(f.Accounts.FeeIncome, ledger.Credit, a.Fee),
		)
	}
	return transaction(a.LedgerTxID, templateActivation, a.At, map[string]string{"facility_id": f.ID.String()}, entries...)
}

// disbursalPosting moves drawn funds into the receivable and releases the commitment.
func disbursalPosting(ch Chart, f *facility.Facility, disbursalID uuid.UUID, amount money.UsdCents, txID uuid.UUID, at time.Time) ledger.Transaction {
	return transaction(txID, templateDisbursal, at,
		map[string]string{"facility_id": f.ID.String(), "disbursal_id": disbursalID.String()},
		usd(f.Accounts.DisbursedReceivable, ledger.Debit, amount),
		usd(ch.Deposits, ledger.Credit, amount),
		usd(ch.FacilityOmnibus, ledger.Debit, amount),
		usd(f.Accounts.Facility, ledger.Credit, amount),
	)
}

func interestPosting(c *accrual.Cycle, p accrual.Posting, at time.Time) ledger.Transaction {
	return transaction(p.LedgerTxID, templateInterestPosting, at,
		map[string]string{"facility_id": c.FacilityID.String(), "cycle_id": c.ID.String(), "period": c.Period.String()},
		usd(c.ReceivableAccount, ledger.Debit, p.Total),
		usd(c.IncomeAccount, ledger.Credit, p.Total),
	)
}

func allocationPosting(ch Chart, a payment.NewAllocation, txID uuid.UUID) ledger.Transaction {
	return transaction(txID, templatePaymentAllocation, a.EffectiveAt,
		map[string]string{
			"facility_id":   a.FacilityID.String(),
			"payment_id":    a.PaymentID.String(),
			"obligation_id": a.ObligationID.String(),
			"allocation":    fmt.Sprintf("%d", a.ObligationAllocationIdx),
		},
		usd(ch.Deposits, ledger.Debit, a.Amount),
		usd(a.ReceivableAccount, ledger.Credit, a.Amount),
	)
}

// collateralPosting records a change of pledged collateral in either direction.
func collateralPosting(ch Chart, f *facility.Facility, delta money.Satoshis, txID uuid.UUID, template string, at time.Time) ledger.Transaction {
	dr, cr := f.Accounts.Collateral, ch.CollateralOmnibus
	if delta < 0 {
		dr, cr, delta = cr, dr, -delta
	}
	return transaction(txID, template, at, map[string]string{"facility_id": f.ID.String()},
		btc(dr, ledger.Debit, delta),
		btc(cr, ledger.Credit, delta),
	)
}
