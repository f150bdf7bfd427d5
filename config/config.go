// Package config loads creditd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"creditcore/credit"
	"creditcore/credit/payment"
	"creditcore/es"
	"creditcore/job"
	"creditcore/terms"
)

type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	OutboxExchange string `mapstructure:"OUTBOX_EXCHANGE"`

	RedisURL      string        `mapstructure:"REDIS_URL"`
	PriceCacheTTL time.Duration `mapstructure:"PRICE_CACHE_TTL"`
	PriceURL      string        `mapstructure:"PRICE_URL"`
	LedgerURL     string        `mapstructure:"LEDGER_URL"`

	JobPollInterval   time.Duration `mapstructure:"JOB_POLL_INTERVAL"`
	JobMaxConcurrency int           `mapstructure:"JOB_MAX_CONCURRENCY"`
	JobLeaseDuration  time.Duration `mapstructure:"JOB_LEASE_DURATION"`

	CollateralizationSchedule  string `mapstructure:"COLLATERALIZATION_SCHEDULE"`
	CollateralizationBufferPct string `mapstructure:"COLLATERALIZATION_BUFFER_PCT"`
	CommandMaxAttempts         int    `mapstructure:"COMMAND_MAX_ATTEMPTS"`
	PaymentAllocationPolicy    string `mapstructure:"PAYMENT_ALLOCATION_POLICY"`

	OperatorTokenSecret string `mapstructure:"OPERATOR_TOKEN_SECRET"`

	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"DATABASE_URL", "DB_MAX_CONNS",
	"RABBITMQ_URL", "OUTBOX_EXCHANGE",
	"REDIS_URL", "PRICE_CACHE_TTL", "PRICE_URL", "LEDGER_URL",
	"JOB_POLL_INTERVAL", "JOB_MAX_CONCURRENCY", "JOB_LEASE_DURATION",
	"COLLATERALIZATION_SCHEDULE", "COLLATERALIZATION_BUFFER_PCT",
	"COMMAND_MAX_ATTEMPTS", "PAYMENT_ALLOCATION_POLICY",
	"OPERATOR_TOKEN_SECRET", "LOG_FORMAT", "LOG_LEVEL",
}

// Load reads the configuration from environment variables, falling back to an optional .env
// file in the working directory.
func Load() (*Config, error) {
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("OUTBOX_EXCHANGE", "credit.events")
	viper.SetDefault("PRICE_CACHE_TTL", "30s")
	viper.SetDefault("JOB_POLL_INTERVAL", "1s")
	viper.SetDefault("JOB_MAX_CONCURRENCY", 20)
	viper.SetDefault("JOB_LEASE_DURATION", "30s")
	viper.SetDefault("COLLATERALIZATION_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("COLLATERALIZATION_BUFFER_PCT", "5")
	viper.SetDefault("COMMAND_MAX_ATTEMPTS", 5)
	viper.SetDefault("PAYMENT_ALLOCATION_POLICY", string(payment.DisbursalFirst))
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_LEVEL", "info")

	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	if err := viper.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read .env: %w", err)
		}
	}
	viper.AutomaticEnv()
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required keys and parses the values that carry their own syntax.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.LedgerURL == "" {
		missing = append(missing, "LEDGER_URL")
	}
	if c.PriceURL == "" {
		missing = append(missing, "PRICE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required %s", strings.Join(missing, ", "))
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	if _, err := c.Buffer(); err != nil {
		return err
	}
	if _, err := payment.ParsePolicy(c.PaymentAllocationPolicy); err != nil {
		return fmt.Errorf("config: PAYMENT_ALLOCATION_POLICY: %w", err)
	}
	if c.CommandMaxAttempts <= 0 {
		return fmt.Errorf("config: COMMAND_MAX_ATTEMPTS must be positive, got %d", c.CommandMaxAttempts)
	}
	return nil
}

func (c *Config) Schedule() (job.Schedule, error) {
	s, err := job.ParseSchedule(c.CollateralizationSchedule)
	if err != nil {
		return job.Schedule{}, fmt.Errorf("config: COLLATERALIZATION_SCHEDULE: %w", err)
	}
	return s, nil
}

// Buffer is the CVL hysteresis buffer in percentage points.
func (c *Config) Buffer() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.CollateralizationBufferPct)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("config: COLLATERALIZATION_BUFFER_PCT must be a non-negative number, got %q", c.CollateralizationBufferPct)
	}
	return d, nil
}

func (c *Config) PollerConfig() job.PollerConfig {
	return job.PollerConfig{
		PollInterval:   c.JobPollInterval,
		MaxConcurrency: c.JobMaxConcurrency,
		LeaseDuration:  c.JobLeaseDuration,
	}
}

// Credit builds the engine settings. Call only on a validated Config.
func (c *Config) Credit() credit.Config {
	cfg := credit.DefaultConfig()
	if buf, err := c.Buffer(); err == nil {
		cfg.CollateralizationBuffer = terms.NewCVLPct(buf)
	}
	if p, err := payment.ParsePolicy(c.PaymentAllocationPolicy); err == nil {
		cfg.AllocationPolicy = p
	}
	cfg.Retry = es.RetryPolicy{MaxAttempts: c.CommandMaxAttempts, Backoff: es.DefaultRetryPolicy.Backoff}
	return cfg
}
