package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func transfer(key string, from, to AccountID, amount int64) Transaction {
	return Transaction{
		IdempotencyKey: key,
		Template:       "test",
		EffectiveDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Entries: []Entry{
			{Account: to, Direction: Debit, Currency: USD, Amount: amount},
			{Account: from, Direction: Credit, Currency: USD, Amount: amount},
		},
	}
}

func TestTransaction_Validate(t *testing.T) {
	a, b := NewAccountID(), NewAccountID()
	if err := transfer("k", a, b, 10).Validate(); err != nil {
		t.Fatalf("expected valid transaction, got %v", err)
	}

	tx := transfer("k", a, b, 10)
	tx.Entries[1].Amount = 9
	if err := tx.Validate(); !errors.Is(err, ErrUnbalanced) {
		t.Fatalf("expected unbalanced error, got %v", err)
	}
	if err := transfer("", a, b, 10).Validate(); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestClient_PostTreatsConflictAsApplied(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) > 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	tx := transfer("disbursal-1", NewAccountID(), NewAccountID(), 500)
	for i := 0; i < 2; i++ {
		if err := c.Post(context.Background(), tx); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if len(keys) != 2 || keys[0] != "disbursal-1" {
		t.Fatalf("unexpected idempotency keys %v", keys)
	}
}

func TestClient_PostSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Post(context.Background(), transfer("k", NewAccountID(), NewAccountID(), 1))
	if err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestClient_BalancesFillsMissingAccounts(t *testing.T) {
	known, unknown := NewAccountID(), NewAccountID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["account"]; len(got) != 2 {
			t.Errorf("accounts in query = %v", got)
		}
		_ = json.NewEncoder(w).Encode([]Balance{{Account: known, Currency: USD, Debit: 700, Credit: 200}})
	}))
	defer srv.Close()

	balances, err := NewClient(srv.URL).Balances(context.Background(), known, unknown)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances[known].DebitNormal() != 500 {
		t.Fatalf("known balance = %d, want 500", balances[known].DebitNormal())
	}
	if b, ok := balances[unknown]; !ok || b.DebitNormal() != 0 {
		t.Fatalf("unknown account should be zero, got %+v ok=%v", b, ok)
	}
}
