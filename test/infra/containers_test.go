package infra

import (
	"context"
	"testing"
)

func TestOpen_UsesConfiguredDSN(t *testing.T) {
	ctx := context.Background()

	t.Setenv("DATABASE_URL", "postgres://env@db:5432/credit")
	d, err := Open(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.DSN != "postgres://env@db:5432/credit" || !d.Shared {
		t.Fatalf("database = %+v", d)
	}

	d, err = Open(ctx, "postgres://flag@db:5432/credit")
	if err != nil {
		t.Fatal(err)
	}
	if d.DSN != "postgres://flag@db:5432/credit" {
		t.Fatalf("explicit dsn must win over DATABASE_URL, got %q", d.DSN)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("closing a shared database: %v", err)
	}
}
