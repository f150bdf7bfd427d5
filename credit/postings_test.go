package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"creditcore/authz"
	"creditcore/credit/accrual"
	"creditcore/credit/facility"
	"creditcore/credit/obligation"
	"creditcore/credit/payment"
	"creditcore/es"
	"creditcore/governance"
	"creditcore/ledger"
	"creditcore/outbox"
	"creditcore/terms"
)

var at = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func testFacility(t *testing.T) *facility.Facility {
	t.Helper()
	tm, err := terms.NewBuilder().AnnualRate("12").DurationMonths(12).OneTimeFeeRate("1").CVLs("140", "125", "105").Build()
	if err != nil {
		t.Fatal(err)
	}
	f, err := facility.New(facility.NewFacility{ID: uuid.New(), Amount: 100_000_00, Terms: tm, Accounts: facility.NewAccounts()}, authz.AuditInfo{})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPostings_Balance(t *testing.T) {
	ch := DefaultChart()
	f := testFacility(t)
	c := accrual.New(accrual.NewCycle{ID: uuid.New(), FacilityID: f.ID, ReceivableAccount: f.Accounts.InterestReceivable, IncomeAccount: f.Accounts.InterestIncome}, authz.AuditInfo{})
	alloc := payment.NewAllocation{ID: uuid.New(), PaymentID: uuid.New(), FacilityID: f.ID, ObligationID: uuid.New(),
		ObligationType: obligation.TypeInterest, ObligationAllocationIdx: 1, Amount: 520_00, ReceivableAccount: f.Accounts.InterestReceivable, EffectiveAt: at}

	postings := map[string]ledger.Transaction{
		"activation":        activationPosting(ch, f, facility.Activation{At: at, Fee: 1_000_00, LedgerTxID: uuid.New()}),
		"disbursal":         disbursalPosting(ch, f, uuid.New(), 50_000_00, uuid.New(), at),
		"interest":          interestPosting(c, accrual.Posting{Total: 98_631, LedgerTxID: uuid.New()}, at),
		"allocation":        allocationPosting(ch, alloc, uuid.New()),
		"collateral add":    collateralPosting(ch, f, 300_000_000, uuid.New(), templateCollateral, at),
		"collateral remove": collateralPosting(ch, f, -100_000_000, uuid.New(), templateCollateralRelease, at),
	}
	for name, p := range postings {
		if err := p.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	removal := postings["collateral remove"]
	if removal.Entries[0].Account != ch.CollateralOmnibus || removal.Entries[0].Amount != 100_000_000 {
		t.Fatalf("collateral removal must debit the omnibus: %+v", removal.Entries)
	}
	if len(postings["activation"].Entries) != 4 {
		t.Fatalf("activation with a fee needs four entries")
	}
}

func TestLedgerTxID_IsStablePerStep(t *testing.T) {
	id := uuid.New()
	if ledgerTxID(id, "activation") != ledgerTxID(id, "activation") {
		t.Fatalf("ledger tx id must be reproducible")
	}
	if ledgerTxID(id, "activation") == ledgerTxID(id, "completion") {
		t.Fatalf("different steps must not share a ledger tx id")
	}
	if DefaultChart() != DefaultChart() {
		t.Fatalf("chart accounts must be stable across processes")
	}
	if cycleID(id, 1) == cycleID(id, 2) {
		t.Fatalf("cycle ids must differ by index")
	}
}

func TestMessagesFor_FiltersAndWraps(t *testing.T) {
	id := uuid.New()
	events := []es.PersistedEvent[payment.Event]{
		{Sequence: 1, Event: payment.Initialized{ID: id, Amount: 10_00}, RecordedAt: at},
		{Sequence: 2, Event: payment.AllocationsRecorded{Breakdown: payment.Breakdown{Interest: 10_00}}, RecordedAt: at},
	}
	msgs, err := messagesFor("credit.payment.", paymentIsPublic, id, events)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != "credit.payment.allocations_recorded" {
		t.Fatalf("messages = %+v", msgs)
	}
	var pe PublicEvent
	if err := json.Unmarshal(msgs[0].Payload, &pe); err != nil {
		t.Fatal(err)
	}
	if pe.EntityID != id || pe.Sequence != 2 {
		t.Fatalf("public event = %+v", pe)
	}

	all, err := messagesFor[payment.Event]("credit.payment.", nil, id, events)
	if err != nil || len(all) != 2 {
		t.Fatalf("nil filter must publish every event, got %d %v", len(all), err)
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleApprovalMessage_SkipsForeignEvents(t *testing.T) {
	s := &Service{logger: discardLogger()}
	codec := approvalCodec()

	foreign, err := outbox.NewMessage("credit.facility.activated", PublicEvent{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.handleApprovalMessage(t.Context(), codec, foreign); err != nil {
		t.Fatalf("foreign event must be skipped, got %v", err)
	}

	other, err := outbox.NewMessage(governance.ProcessConcludedType, governance.ProcessConcluded{
		ProcessID: uuid.New(), ProcessType: "deposit-withdrawal-approval", TargetID: uuid.New(), Approved: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.handleApprovalMessage(t.Context(), codec, other); err != nil {
		t.Fatalf("conclusion of another process type must be skipped, got %v", err)
	}
}

// memSource serves a fixed set of outbox events and never wakes.
type memSource struct {
	events []outbox.PersistentEvent
}

func (m *memSource) EventsAfter(_ context.Context, after outbox.Sequence, limit int) ([]outbox.PersistentEvent, error) {
	var out []outbox.PersistentEvent
	for _, ev := range m.events {
		if ev.Sequence > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memSource) FillGaps(context.Context, []outbox.Sequence) error { return nil }

func (m *memSource) Wake() <-chan struct{} { return nil }

func TestConsumeApprovals_AdvancesPastOtherProcessTypes(t *testing.T) {
	withdrawal, err := outbox.NewMessage(governance.ProcessConcludedType, governance.ProcessConcluded{
		ProcessID: uuid.New(), ProcessType: "deposit-withdrawal-approval", TargetID: uuid.New(), Approved: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	activated, err := outbox.NewMessage("credit.facility.activated", PublicEvent{})
	if err != nil {
		t.Fatal(err)
	}
	src := &memSource{events: []outbox.PersistentEvent{
		{Sequence: 1, Message: &withdrawal},
		{Sequence: 2},
		{Sequence: 3, Message: &activated},
	}}

	s := &Service{logger: discardLogger()}
	stop := make(chan struct{})
	var saved []outbox.Sequence
	checkpoint := func(_ context.Context, seq outbox.Sequence) error {
		saved = append(saved, seq)
		if seq == 3 {
			close(stop)
		}
		return nil
	}

	err = s.consumeApprovals(context.Background(), stop, src, 0, checkpoint)
	if !errors.Is(err, outbox.ErrStopped) {
		t.Fatalf("expected the listener to stop cleanly, got %v", err)
	}
	if len(saved) != 3 || saved[2] != 3 {
		t.Fatalf("checkpoints = %v, want [1 2 3]", saved)
	}
}

func TestCompletionRefused(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"outstanding balance", fmt.Errorf("%w: $10.00", facility.ErrOutstandingBalance), true},
		{"accrual running", facility.ErrInterestAccrualInProgress, true},
		{"disbursal pending", facility.ErrDisbursalInProgress, true},
		{"not active", facility.ErrNotActive, true},
		{"retries exhausted", es.ErrRetriesExhausted, false},
		{"connection lost", errors.New("conn closed"), false},
		{"success", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completionRefused(tt.err); got != tt.want {
				t.Fatalf("completionRefused(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultConfig_PaysDisbursalBeforeInterest(t *testing.T) {
	interest := payment.Outstanding{ID: uuid.New(), Type: obligation.TypeInterest, Amount: 50_00, CreatedAt: at.AddDate(0, 0, -30)}
	disbursal := payment.Outstanding{ID: uuid.New(), Type: obligation.TypeDisbursal, Amount: 500_00, CreatedAt: at}

	allocs := payment.Allocate(uuid.New(), uuid.New(), 520_00, []payment.Outstanding{interest, disbursal}, DefaultConfig().AllocationPolicy, at)
	b := payment.BreakdownOf(allocs)
	if b.Disbursal != 500_00 || b.Interest != 20_00 {
		t.Fatalf("default policy %q: disbursal=%s interest=%s, want $500.00 and $20.00", DefaultConfig().AllocationPolicy, b.Disbursal, b.Interest)
	}
	if left := interest.Amount - b.Interest; left != 30_00 {
		t.Fatalf("interest left = %s, want $30.00", left)
	}
}
