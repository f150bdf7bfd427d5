package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	pgImage    = "postgres:16-alpine"
	pgDatabase = "creditcore"
	pgUser     = "creditcore"
	pgPassword = "creditcore"
)

// ErrNoDatabase is returned by Open when no DSN is configured and Docker is unavailable.
var ErrNoDatabase = errors.New("infra: no database: pass a DSN, set DATABASE_URL or start Docker")

// Database is the Postgres a test run works against.
type Database struct {
	DSN string
	// Shared is set for databases the run does not own. Migrations then go into a throwaway
	// schema that is dropped afterwards.
	Shared    bool
	container *postgres.PostgresContainer
}

// Open picks the database for a run: dsn when given, then DATABASE_URL, then a new container.
func Open(ctx context.Context, dsn string) (*Database, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn != "" {
		return &Database{DSN: dsn, Shared: true}, nil
	}
	if !dockerAvailable(ctx) {
		return nil, ErrNoDatabase
	}

	c, err := postgres.Run(ctx, pgImage,
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: start %s: %w", pgImage, err)
	}
	dsn, err = c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("infra: container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: c}, nil
}

// Close stops the container Open started. Shared databases are left running.
func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
