package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"creditcore/authz"
	"creditcore/credit"
	"creditcore/es"
	"creditcore/governance"
	"creditcore/job"
	"creditcore/ledger/ledgertest"
	"creditcore/outbox"
	"creditcore/price"
	"creditcore/terms"
	"creditcore/test/actors"
	"creditcore/test/chaos"
	"creditcore/test/infra"
	"creditcore/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "Postgres DSN to run against; defaults to DATABASE_URL, then a container")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestCreditConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	database, err := infra.Open(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skip(err.Error())
	}
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer database.Close(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, database.DSN, database.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	svc, prices, poller, err := buildService(pool)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	facilityID := mustSeed(t, ctx, svc)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Payer(ctx2, svc, facilityID, stop) })
		if i%2 == 0 {
			g.Go(func() error { return actors.Drawer(ctx2, svc, facilityID, stop) })
		}
	}
	g.Go(func() error { return actors.CollateralShaker(ctx2, svc, facilityID, stop) })
	g.Go(func() error { return actors.Repricer(ctx2, svc, prices, facilityID, stop) })

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	go func() { _ = poller.Run(pollCtx) }()

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle error (retrying next tick): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	stopPoller()

	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after quiescence. First row: %s (seed=%d)", name, row, seed)
	}
	balances, err := svc.Balances(ctx, facilityID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances.Disbursed < 0 || balances.Interest < 0 {
		t.Fatalf("negative outstanding %+v (seed=%d)", balances, seed)
	}
}

func buildService(pool *pgxpool.Pool) (*credit.Service, *price.Static, *job.Poller, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	schedule, err := job.ParseSchedule("* * * * *")
	if err != nil {
		return nil, nil, nil, err
	}
	ob := outbox.New(pool, logger)
	registry := job.NewRegistry()
	prices := price.NewStatic(50_000_00)

	cfg := credit.DefaultConfig()
	cfg.Retry = es.RetryPolicy{MaxAttempts: 20, Backoff: 5 * time.Millisecond}
	svc := credit.NewService(credit.Deps{
		DB:         pool,
		Outbox:     ob,
		Jobs:       job.New(pool, registry),
		Governance: governance.New(pool, ob),
		Authz:      authz.NewAllowAll(),
		Prices:     prices,
		Ledger:     ledgertest.New(),
		Logger:     logger,
	}, cfg)
	svc.RegisterJobs(registry, ob, schedule)

	poller := job.NewPoller(pool, registry, job.PollerConfig{
		PollInterval:   100 * time.Millisecond,
		MaxConcurrency: 8,
		LeaseDuration:  5 * time.Second,
	}, logger)
	return svc, prices, poller, nil
}

func mustSeed(t *testing.T, ctx context.Context, svc *credit.Service) uuid.UUID {
	t.Helper()
	tm, err := terms.NewBuilder().
		AnnualRate("12").
		DurationMonths(12).
		OneTimeFeeRate("1").
		CVLs("140", "125", "105").
		Build()
	if err != nil {
		t.Fatalf("seed terms: %v", err)
	}
	sub := authz.Subject("stress-seed")
	f, err := svc.CreateFacility(ctx, sub, credit.NewFacilityInput{CustomerID: uuid.New(), Amount: 1_000_000_00, Terms: tm})
	if err != nil {
		t.Fatalf("seed facility: %v", err)
	}
	if _, err := svc.ApprovalProcessConcluded(ctx, sub, f.ID, true); err != nil {
		t.Fatalf("seed approval: %v", err)
	}
	if _, err := svc.UpdateCollateral(ctx, sub, f.ID, 3_000_000_000); err != nil {
		t.Fatalf("seed collateral: %v", err)
	}
	if err := svc.SpawnSingletons(ctx); err != nil {
		t.Fatalf("seed singleton jobs: %v", err)
	}
	return f.ID
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"entity_events", `SELECT entity_id, sequence, event_type, event, recorded_at FROM entity_events ORDER BY recorded_at DESC LIMIT 50`},
		{"outbox_events", `SELECT sequence, payload->>'type', recorded_at FROM outbox_events ORDER BY sequence DESC LIMIT 50`},
		{"jobs", `SELECT id, job_type, state, attempt, next_run_at, last_error FROM jobs ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
