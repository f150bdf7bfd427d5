// Package ledger is the boundary to the double-entry ledger that owns all money movement.
// The credit engine sends posting instructions and reads balances; it never keeps its own.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnbalanced = errors.New("ledger: transaction does not balance")
	ErrMissingKey = errors.New("ledger: missing idempotency key")
)

type AccountID uuid.UUID

func NewAccountID() AccountID { return AccountID(uuid.New()) }

func (a AccountID) String() string { return uuid.UUID(a).String() }

func (a AccountID) MarshalText() ([]byte, error) { return uuid.UUID(a).MarshalText() }

func (a *AccountID) UnmarshalText(b []byte) error { return (*uuid.UUID)(a).UnmarshalText(b) }

type Currency string

const (
	USD Currency = "USD"
	BTC Currency = "BTC"
)

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Entry moves Amount (cents or satoshis, by currency) on one account.
type Entry struct {
	Account   AccountID `json:"account"`
	Direction Direction `json:"direction"`
	Currency  Currency  `json:"currency"`
	Amount    int64     `json:"amount"`
}

// Transaction is a posting instruction. The ledger applies a given IdempotencyKey at most once.
type Transaction struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Template       string            `json:"template"`
	EffectiveDate  time.Time         `json:"effective_date"`
	Entries        []Entry           `json:"entries"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the instruction is complete and balances per currency.
func (t Transaction) Validate() error {
	if t.IdempotencyKey == "" {
		return ErrMissingKey
	}
	sums := make(map[Currency]int64)
	for _, e := range t.Entries {
		if e.Amount < 0 {
			return fmt.Errorf("ledger: negative amount on %s", e.Account)
		}
		switch e.Direction {
		case Debit:
			sums[e.Currency] += e.Amount
		case Credit:
			sums[e.Currency] -= e.Amount
		default:
			return fmt.Errorf("ledger: unknown direction %q", e.Direction)
		}
	}
	for cur, s := range sums {
		if s != 0 {
			return fmt.Errorf("%w: %s off by %d", ErrUnbalanced, cur, s)
		}
	}
	return nil
}

// Balance is the settled balance of one account. Debit-normal accounts are positive when
// debits exceed credits.
type Balance struct {
	Account  AccountID `json:"account"`
	Currency Currency  `json:"currency"`
	Debit    int64     `json:"debit"`
	Credit   int64     `json:"credit"`
}

func (b Balance) DebitNormal() int64 { return b.Debit - b.Credit }

func (b Balance) CreditNormal() int64 { return b.Credit - b.Debit }

// Ledger is implemented by the external ledger service.
type Ledger interface {
	// Post applies tx. Re-posting an applied idempotency key is a successful no-op.
	Post(ctx context.Context, tx Transaction) error
	// Balances returns current balances; accounts without postings are returned as zero.
	Balances(ctx context.Context, accounts ...AccountID) (map[AccountID]Balance, error)
}
