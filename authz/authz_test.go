package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAllowAll_RecordsAudit(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAllowAll().WithClock(func() time.Time { return at })

	info, err := a.Authorize(context.Background(), System("interest-accrual"), ObjectCreditFacility, ActionRecordInterest)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if info.Subject != "system:interest-accrual" || !info.At.Equal(at) || info.Action != ActionRecordInterest {
		t.Fatalf("unexpected audit info %+v", info)
	}
}

func TestStatic_DeniesUngranted(t *testing.T) {
	s := NewStatic().Grant("alice", ActionRecordPayment)

	if _, err := s.Authorize(context.Background(), "alice", ObjectPayment, ActionRecordPayment); err != nil {
		t.Fatalf("expected grant, got %v", err)
	}
	if _, err := s.Authorize(context.Background(), "alice", ObjectCreditFacility, ActionComplete); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
