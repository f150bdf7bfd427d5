package es

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ReserveKey records an idempotency key inside the active transaction. A second reservation of
// the same key fails with ErrDuplicateIdempotencyKey once the first transaction committed.
func ReserveKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("es: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("es: insert idempotency key: %w", err)
	}
	return nil
}
