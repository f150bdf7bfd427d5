package es

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often Retry re-runs a command.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable decides which errors trigger another attempt. Nil retries only
	// ErrConcurrentModification.
	Retryable func(error) bool
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Millisecond}

func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the policy is exhausted.
// fn must re-read every entity it mutates; each attempt starts from fresh state.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func RetryValue[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsConcurrentModification
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, jitter(policy.Backoff, attempt)); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func jitter(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	return d/2 + rand.N(d/2+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
