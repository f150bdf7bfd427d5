package disbursal

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/obligation"
)

func newTestDisbursal(t *testing.T) *Disbursal {
	t.Helper()
	d, err := New(NewDisbursal{ID: uuid.New(), FacilityID: uuid.New(), ApprovalProcessID: uuid.New(), Idx: 1, Amount: 50_000_00}, authz.AuditInfo{})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSettle_RequiresApproval(t *testing.T) {
	d := newTestDisbursal(t)
	at := time.Date(2024, 9, 5, 0, 0, 0, 0, time.UTC)
	s := Settlement{ObligationID: uuid.New(), LedgerTxID: uuid.New(), At: at, DueAt: at.AddDate(1, 0, 0)}

	if _, err := d.Settle(s, authz.AuditInfo{}); !errors.Is(err, ErrNotConcluded) {
		t.Fatalf("expected ErrNotConcluded, got %v", err)
	}

	if approved := d.ApprovalProcessConcluded(true, authz.AuditInfo{}).MustValue(); !approved {
		t.Fatalf("expected approval")
	}
	if d.ApprovalProcessConcluded(false, authz.AuditInfo{}).DidExecute() {
		t.Fatalf("a second conclusion must be ignored")
	}

	res, err := d.Settle(s, authz.AuditInfo{})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	ob := res.MustValue()
	if ob.Type != obligation.TypeDisbursal || ob.Amount != 50_000_00 || ob.ID != s.ObligationID || ob.FacilityID != d.FacilityID {
		t.Fatalf("unexpected obligation %+v", ob)
	}
	if d.Status() != StatusSettled || !d.IsConcluded() {
		t.Fatalf("status = %s", d.Status())
	}

	again, err := d.Settle(s, authz.AuditInfo{})
	if err != nil || again.DidExecute() {
		t.Fatalf("second settle must be ignored")
	}
	if _, err := d.Cancel(uuid.New(), at, authz.AuditInfo{}); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestDenied_Cancels(t *testing.T) {
	d := newTestDisbursal(t)
	d.ApprovalProcessConcluded(false, authz.AuditInfo{})

	if _, err := d.Settle(Settlement{ObligationID: uuid.New()}, authz.AuditInfo{}); !errors.Is(err, ErrApprovalDenied) {
		t.Fatalf("expected ErrApprovalDenied, got %v", err)
	}
	res, err := d.Cancel(uuid.New(), time.Now(), authz.AuditInfo{})
	if err != nil || !res.DidExecute() || d.Status() != StatusCancelled {
		t.Fatalf("cancel = %v %v %s", res.DidExecute(), err, d.Status())
	}
	if again, _ := d.Cancel(uuid.New(), time.Now(), authz.AuditInfo{}); again.DidExecute() {
		t.Fatalf("second cancel must be ignored")
	}
}

func TestNew_RejectsZeroAmount(t *testing.T) {
	if _, err := New(NewDisbursal{ID: uuid.New()}, authz.AuditInfo{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
