package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"creditcore/authz"
	"creditcore/config"
	"creditcore/credit"
	"creditcore/db"
	"creditcore/governance"
	"creditcore/job"
	"creditcore/ledger"
	"creditcore/outbox"
	"creditcore/price"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit facility engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), workerCmd(), concludeCmd(), tokenCmd())
	return root
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func concludeCmd() *cobra.Command {
	var (
		denied bool
		token  string
	)
	cmd := &cobra.Command{
		Use:   "conclude [process-id]",
		Short: "Approve or deny a pending approval process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("process id: %w", err)
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			operator, err := authorizeOperator(cmd.Context(), cfg, token, authz.ActionConcludeApproval)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			gov := governance.New(pool, outbox.New(pool, logger))
			res, err := gov.Conclude(cmd.Context(), id, !denied)
			if err != nil {
				return err
			}
			if res.WasIgnored() {
				logger.Info("approval process already concluded", "process_id", id)
				return nil
			}
			ev := res.MustValue()
			logger.Info("approval process concluded", "process_id", id, "type", ev.ProcessType, "approved", ev.Approved, "operator", operator)
			return nil
		},
	}
	cmd.Flags().BoolVar(&denied, "deny", false, "deny instead of approve")
	cmd.Flags().StringVar(&token, "token", os.Getenv("OPERATOR_TOKEN"), "operator token (required when OPERATOR_TOKEN_SECRET is set)")
	return cmd
}

// authorizeOperator checks the operator token when token verification is configured.
func authorizeOperator(ctx context.Context, cfg *config.Config, token string, act authz.Action) (authz.Subject, error) {
	if cfg.OperatorTokenSecret == "" {
		return authz.System("cli"), nil
	}
	if token == "" {
		return "", fmt.Errorf("operator token required")
	}
	sub, grants, err := authz.NewTokens(cfg.OperatorTokenSecret).Verify(token)
	if err != nil {
		return "", err
	}
	if _, err := grants.Authorize(ctx, sub, authz.ObjectCreditFacility, act); err != nil {
		return "", err
	}
	return sub, nil
}

func tokenCmd() *cobra.Command {
	var (
		ttl     time.Duration
		actions []string
	)
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an operator token signed with OPERATOR_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			acts := make([]authz.Action, 0, len(actions))
			for _, a := range actions {
				acts = append(acts, authz.Action(a))
			}
			signed, err := authz.NewTokens(cfg.OperatorTokenSecret).Issue(authz.Subject(args[0]), ttl, acts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&actions, "action", []string{string(authz.ActionConcludeApproval)}, "granted actions")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job poller, outbox notifications and the event relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	schedule, err := cfg.Schedule()
	if err != nil {
		return err
	}

	ob := outbox.New(pool, logger)
	registry := job.NewRegistry()
	jobs := job.New(pool, registry)

	var prices price.Provider = price.NewHTTPProvider(cfg.PriceURL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		prices = price.NewRedisCache(rdb, prices, cfg.PriceCacheTTL, logger)
	}

	svc := credit.NewService(credit.Deps{
		DB:         pool,
		Outbox:     ob,
		Jobs:       jobs,
		Governance: governance.New(pool, ob),
		Authz:      authz.NewAllowAll(),
		Prices:     prices,
		Ledger:     ledger.NewClient(cfg.LedgerURL),
		Logger:     logger,
	}, cfg.Credit())
	svc.RegisterJobs(registry, ob, schedule)

	relay, closeRelay, err := relayInitializer(cfg, ob, logger)
	if err != nil {
		return err
	}
	defer closeRelay()
	registry.Register(relay)
	if cfg.RabbitMQURL != "" {
		if err := spawnRelay(ctx, pool, jobs); err != nil {
			return err
		}
	}

	if err := svc.SpawnSingletons(ctx); err != nil {
		return fmt.Errorf("spawn singleton jobs: %w", err)
	}

	poller := job.NewPoller(pool, registry, cfg.PollerConfig(), logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ob.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })

	logger.Info("credit worker started", "version", Version, "collateralization_schedule", schedule.String())
	err = g.Wait()
	logger.Info("credit worker stopped")
	return err
}

// relayInitializer publishes to RabbitMQ when it is configured. Without it, relay jobs from
// earlier runs are parked instead of failing as an unknown type.
func relayInitializer(cfg *config.Config, src outbox.Source, logger *slog.Logger) (job.Initializer, func(), error) {
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set, outbox events are not relayed")
		return outbox.NewParkedRelayJobInitializer(time.Minute), func() {}, nil
	}
	publisher, err := outbox.NewAMQPPublisher(cfg.RabbitMQURL, cfg.OutboxExchange, logger)
	if err != nil {
		return nil, nil, err
	}
	return outbox.NewRelayJobInitializer(outbox.NewRelay(src, publisher, logger)), publisher.Close, nil
}

func spawnRelay(ctx context.Context, pool job.DB, jobs *job.Jobs) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := jobs.SpawnUnique(ctx, tx, uuid.New(), string(outbox.RelayJobType), outbox.RelayJobConfig{}, time.Now().UTC()); err != nil {
		return fmt.Errorf("spawn relay job: %w", err)
	}
	return tx.Commit(ctx)
}

