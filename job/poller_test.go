package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"creditcore/es"
)

type testConfig struct {
	Name string `json:"name"`
}

func (testConfig) JobType() Type { return "test" }

type testInitializer struct {
	policy RetryPolicy
	runner Runner
	err    error
}

func (i testInitializer) Type() Type               { return "test" }
func (i testInitializer) RetryPolicy() RetryPolicy { return i.policy }
func (i testInitializer) Init(*Job) (Runner, error) {
	return i.runner, i.err
}

func newTestPoller(st *fakeStore, init Initializer, maxConcurrency int) *Poller {
	reg := NewRegistry()
	if init != nil {
		reg.Register(init)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := newPoller(nil, st, reg, PollerConfig{MaxConcurrency: maxConcurrency, LeaseDuration: time.Minute}, logger)
	return p.WithClock(st.clock)
}

// pollOnce claims whatever is due and waits for those runs to finish.
func pollOnce(t *testing.T, p *Poller) {
	t.Helper()
	g := new(errgroup.Group)
	if err := p.poll(context.Background(), g); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestPoller_CompletesJob(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	runs := 0
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(ctx context.Context, cur *CurrentJob) (Completion, error) {
		runs++
		var cfg testConfig
		if err := cur.Config(&cfg); err != nil {
			return Completion{}, err
		}
		if cfg.Name != "fixture" {
			t.Errorf("config name = %q", cfg.Name)
		}
		return Complete(), nil
	})}, 4)

	pollOnce(t, p)
	pollOnce(t, p)

	if runs != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}
	if got := st.get(id).State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestPoller_RescheduleAtDefersNextRun(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	next := st.now.Add(time.Hour)
	runs := 0
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
		runs++
		return RescheduleAt(next), nil
	})}, 4)

	pollOnce(t, p)
	pollOnce(t, p)
	if runs != 1 {
		t.Fatalf("job ran before its next run time, runs=%d", runs)
	}
	rec := st.get(id)
	if rec.State != StatePending || !rec.NextRunAt.Equal(next) || rec.Attempt != 0 {
		t.Fatalf("unexpected record after reschedule: %+v", rec)
	}

	st.advance(time.Hour)
	pollOnce(t, p)
	if runs != 2 {
		t.Fatalf("expected second run after advancing the clock, runs=%d", runs)
	}
}

func TestPoller_RetriesThenDeadLetters(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	boom := errors.New("ledger unreachable")
	runs := 0
	p := newTestPoller(st, testInitializer{
		policy: RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: time.Second},
		runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
			runs++
			return Completion{}, boom
		}),
	}, 4)

	for i := 0; i < 3; i++ {
		pollOnce(t, p)
		st.advance(2 * time.Second)
	}

	rec := st.get(id)
	if rec.State != StateErrored {
		t.Fatalf("state = %s, want errored", rec.State)
	}
	if rec.LastError != boom.Error() {
		t.Fatalf("last error = %q", rec.LastError)
	}
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
}

func TestPoller_RepeatIndefinitelyNeverDeadLetters(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	p := newTestPoller(st, testInitializer{
		policy: RepeatIndefinitely(time.Second, time.Second),
		runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
			panic("unexpected state")
		}),
	}, 1)

	for i := 0; i < 25; i++ {
		pollOnce(t, p)
		st.advance(2 * time.Second)
	}
	rec := st.get(id)
	if rec.State != StatePending || rec.Attempt != 25 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestPoller_UnknownTypeIsErrored(t *testing.T) {
	st := newFakeStore()
	id := st.add("gone", st.now)
	p := newTestPoller(st, nil, 1)

	pollOnce(t, p)
	if got := st.get(id).State; got != StateErrored {
		t.Fatalf("state = %s, want errored", got)
	}
}

func TestPoller_ClaimsOnlyFreeSlots(t *testing.T) {
	st := newFakeStore()
	for i := 0; i < 5; i++ {
		st.add("test", st.now)
	}
	release := make(chan struct{})
	started := make(chan struct{}, 5)
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
		started <- struct{}{}
		<-release
		return Complete(), nil
	})}, 2)

	g := new(errgroup.Group)
	g.SetLimit(2)
	if err := p.poll(context.Background(), g); err != nil {
		t.Fatalf("poll: %v", err)
	}
	<-started
	<-started
	if err := p.poll(context.Background(), g); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := st.countState(StateRunning); n != 2 {
		t.Fatalf("running = %d, want 2", n)
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	pollOnce(t, p)
	pollOnce(t, p)
	if n := st.countState(StateCompleted); n != 5 {
		t.Fatalf("completed = %d, want 5", n)
	}
}

func TestPoller_ShutdownWaitsForRunningJobs(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	started := make(chan struct{})
	release := make(chan struct{})
	var runErr error
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(ctx context.Context, cur *CurrentJob) (Completion, error) {
		close(started)
		<-release
		// Shutdown was requested by now; the run context must still be usable.
		select {
		case <-cur.ShutdownRequested():
		default:
			runErr = errors.New("shutdown not signalled")
		}
		if err := ctx.Err(); err != nil {
			runErr = err
		}
		return Complete(), nil
	})}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatalf("Run returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if runErr != nil {
		t.Fatalf("in-flight run: %v", runErr)
	}
	if got := st.get(id).State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestPoller_InterruptedRunIsReleased(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	started := make(chan struct{})
	p := newTestPoller(st, testInitializer{
		policy: RetryPolicy{MaxAttempts: 1},
		runner: RunnerFunc(func(ctx context.Context, cur *CurrentJob) (Completion, error) {
			close(started)
			<-cur.ShutdownRequested()
			if ctx.Err() != nil {
				return Completion{}, errors.New("run context cancelled on shutdown")
			}
			return Completion{}, fmt.Errorf("listener: %w", context.Canceled)
		}),
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	rec := st.get(id)
	if rec.State != StatePending || rec.Attempt != 0 {
		t.Fatalf("expected released job, got %+v", rec)
	}
}

func TestPoller_CompleteWithTxCommitsRunnerWork(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	tx := &fakeTx{}
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
		return CompleteWithTx(tx), nil
	})}, 1)

	pollOnce(t, p)
	if !tx.committed || tx.rolled {
		t.Fatalf("expected commit only, committed=%v rolled=%v", tx.committed, tx.rolled)
	}
	if got := st.get(id).State; got != StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestPoller_LostLeaseRollsBackRunnerWork(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	tx := &fakeTx{}
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
		st.steal(id)
		return CompleteWithTx(tx), nil
	})}, 1)

	pollOnce(t, p)
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback, committed=%v rolled=%v", tx.committed, tx.rolled)
	}
}

func TestCurrentJob_ExecutionStateRoundTrip(t *testing.T) {
	st := newFakeStore()
	id := st.add("test", st.now)
	type cursor struct {
		Position int64 `json:"position"`
	}
	p := newTestPoller(st, testInitializer{runner: RunnerFunc(func(ctx context.Context, cur *CurrentJob) (Completion, error) {
		var c cursor
		found, err := cur.ExecutionState(&c)
		if err != nil {
			return Completion{}, err
		}
		if !found {
			c.Position = 0
		}
		c.Position += 10
		if err := cur.UpdateExecutionState(ctx, nil, c); err != nil {
			return Completion{}, err
		}
		return RescheduleNow(), nil
	})}, 1)

	pollOnce(t, p)
	pollOnce(t, p)

	var c cursor
	if err := json.Unmarshal(st.get(id).executionState, &c); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if c.Position != 20 {
		t.Fatalf("position = %d, want 20", c.Position)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 4 * time.Second}
	if p.Exhausted(2) || !p.Exhausted(3) {
		t.Fatalf("unexpected exhaustion boundaries")
	}
	if RepeatIndefinitely(time.Second, time.Minute).Exhausted(1_000_000) {
		t.Fatalf("indefinite policy must never exhaust")
	}
	for attempt, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 9: 4 * time.Second} {
		got := p.Backoff(attempt)
		if got < base || got > base+base/5 {
			t.Fatalf("backoff(%d) = %s, want within [%s, %s]", attempt, got, base, base+base/5)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("*/15 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	if got, want := s.Next(from), time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %s, want %s", got, want)
	}
	if _, err := ParseSchedule("not a schedule"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRegistry_PanicsOnDuplicateType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	reg := NewRegistry()
	reg.Register(testInitializer{})
	reg.Register(testInitializer{})
}

type fakeStore struct {
	mu   sync.Mutex
	now  time.Time
	jobs map[uuid.UUID]*fakeRecord
	seq  int
}

type fakeRecord struct {
	Job
	order      int
	instance   uuid.UUID
	leaseUntil time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), jobs: make(map[uuid.UUID]*fakeRecord)}
}

func (s *fakeStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *fakeStore) add(typ Type, runAt time.Time) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(testConfig{Name: "fixture"})
	id := uuid.New()
	s.seq++
	s.jobs[id] = &fakeRecord{Job: Job{ID: id, Type: typ, State: StatePending, NextRunAt: runAt, config: raw}, order: s.seq}
	return id
}

func (s *fakeStore) get(id uuid.UUID) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Job
}

func (s *fakeStore) countState(st State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.jobs {
		if r.State == st {
			n++
		}
	}
	return n
}

func (s *fakeStore) steal(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].instance = uuid.New()
}

func (s *fakeStore) claimDue(_ context.Context, now time.Time, limit int, instance uuid.UUID, leaseUntil time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*fakeRecord
	for _, r := range s.jobs {
		if (r.State == StatePending && !r.NextRunAt.After(now)) || (r.State == StateRunning && r.leaseUntil.Before(now)) {
			due = append(due, r)
		}
	}
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].order < due[j-1].order; j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	var out []*Job
	for _, r := range due {
		if len(out) == limit {
			break
		}
		r.State = StateRunning
		r.Attempt++
		r.instance = instance
		r.leaseUntil = leaseUntil
		j := r.Job
		out = append(out, &j)
	}
	return out, nil
}

func (s *fakeStore) owned(id, instance uuid.UUID) (*fakeRecord, error) {
	r, ok := s.jobs[id]
	if !ok || r.instance != instance || r.State != StateRunning {
		return nil, ErrLeaseLost
	}
	return r, nil
}

func (s *fakeStore) extendLease(_ context.Context, id, instance uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.leaseUntil = until
	return nil
}

func (s *fakeStore) complete(_ context.Context, _ es.DBTX, id, instance uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.State = StateCompleted
	r.Attempt = 0
	return nil
}

func (s *fakeStore) reschedule(_ context.Context, _ es.DBTX, id, instance uuid.UUID, runAt, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.State = StatePending
	r.Attempt = 0
	r.NextRunAt = runAt
	r.LastError = ""
	return nil
}

func (s *fakeStore) retry(_ context.Context, id, instance uuid.UUID, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.State = StatePending
	r.NextRunAt = runAt
	r.LastError = lastErr
	return nil
}

func (s *fakeStore) fail(_ context.Context, id, instance uuid.UUID, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.State = StateErrored
	r.LastError = lastErr
	return nil
}

func (s *fakeStore) release(_ context.Context, id, instance uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, instance)
	if err != nil {
		return err
	}
	r.State = StatePending
	if r.Attempt > 0 {
		r.Attempt--
	}
	r.NextRunAt = at
	return nil
}

func (s *fakeStore) saveExecutionState(_ context.Context, _ es.DBTX, id uuid.UUID, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].executionState = state
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
