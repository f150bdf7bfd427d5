// Package ledgertest provides an in-memory ledger for tests and local runs.
package ledgertest

import (
	"context"
	"sync"

	"creditcore/ledger"
)

type Ledger struct {
	mu       sync.Mutex
	applied  map[string]ledger.Transaction
	balances map[ledger.AccountID]ledger.Balance
	// FailPost, when set, is returned by the next Post call and then cleared.
	FailPost error
}

func New() *Ledger {
	return &Ledger{
		applied:  make(map[string]ledger.Transaction),
		balances: make(map[ledger.AccountID]ledger.Balance),
	}
}

func (l *Ledger) Post(_ context.Context, tx ledger.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailPost != nil {
		err := l.FailPost
		l.FailPost = nil
		return err
	}
	if _, ok := l.applied[tx.IdempotencyKey]; ok {
		return nil
	}
	for _, e := range tx.Entries {
		b := l.balances[e.Account]
		b.Account = e.Account
		b.Currency = e.Currency
		if e.Direction == ledger.Debit {
			b.Debit += e.Amount
		} else {
			b.Credit += e.Amount
		}
		l.balances[e.Account] = b
	}
	l.applied[tx.IdempotencyKey] = tx
	return nil
}

func (l *Ledger) Balances(_ context.Context, accounts ...ledger.AccountID) (map[ledger.AccountID]ledger.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[ledger.AccountID]ledger.Balance, len(accounts))
	for _, a := range accounts {
		b := l.balances[a]
		b.Account = a
		out[a] = b
	}
	return out, nil
}

// Applied returns the transaction posted under key.
func (l *Ledger) Applied(key string) (ledger.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.applied[key]
	return tx, ok
}

// Count is the number of distinct transactions applied.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}
