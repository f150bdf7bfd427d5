package governance_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"creditcore/governance"
	"creditcore/outbox"
	"creditcore/test/infra"
)

func TestGovernance_Integration(t *testing.T) {
	pool := infra.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ob := outbox.New(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	gov := governance.New(pool, ob, governance.WithAutoApprove(governance.DisbursalApproval))

	manual, auto := uuid.New(), uuid.New()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := gov.StartProcess(ctx, tx, manual, governance.CreditFacilityApproval, uuid.New()); err != nil {
		t.Fatalf("start manual: %v", err)
	}
	if err := gov.StartProcess(ctx, tx, auto, governance.DisbursalApproval, uuid.New()); err != nil {
		t.Fatalf("start auto: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if s, err := gov.Status(ctx, auto); err != nil || s != governance.StatusApproved {
		t.Fatalf("auto status = %s, %v", s, err)
	}
	if s, err := gov.Status(ctx, manual); err != nil || s != governance.StatusPending {
		t.Fatalf("manual status = %s, %v", s, err)
	}

	first, err := gov.Conclude(ctx, manual, false)
	if err != nil || !first.DidExecute() {
		t.Fatalf("first conclusion: %+v, %v", first, err)
	}
	again, err := gov.Conclude(ctx, manual, true)
	if err != nil || !again.WasIgnored() {
		t.Fatalf("second conclusion should be ignored: %+v, %v", again, err)
	}
	if s, _ := gov.Status(ctx, manual); s != governance.StatusDenied {
		t.Fatalf("manual status = %s, want denied", s)
	}

	events, err := ob.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("outbox events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Message.Type != governance.ProcessConcludedType {
			t.Fatalf("unexpected message type %q", ev.Message.Type)
		}
	}
}
