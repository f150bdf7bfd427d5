package outbox

import (
	"context"
	"fmt"
	"time"
)

// ErrStopped is returned by NextUntil when stop fired while waiting for an event.
var ErrStopped = fmt.Errorf("outbox: listener stopped: %w", context.Canceled)

// Source is the storage a Listener reads from. *Outbox implements it.
type Source interface {
	EventsAfter(ctx context.Context, after Sequence, limit int) ([]PersistentEvent, error)
	FillGaps(ctx context.Context, seqs []Sequence) error
	Wake() <-chan struct{}
}

type ListenerOption func(*Listener)

func WithBatchSize(n int) ListenerOption {
	return func(l *Listener) { l.batchSize = n }
}

func WithPollInterval(d time.Duration) ListenerOption {
	return func(l *Listener) { l.pollInterval = d }
}

// WithGapTimeout sets how long a missing sequence may be in flight before it is filled.
func WithGapTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.gapTimeout = d }
}

func WithListenerClock(now func() time.Time) ListenerOption {
	return func(l *Listener) { l.now = now }
}

// Listener streams events strictly after a cursor in sequence order. It never returns an
// event twice and never skips one; restarting from a saved cursor re-delivers everything after it.
type Listener struct {
	src          Source
	cursor       Sequence
	buf          []PersistentEvent
	batchSize    int
	pollInterval time.Duration
	gapTimeout   time.Duration
	now          func() time.Time

	gapAt    Sequence
	gapSince time.Time
}

func NewListener(src Source, from Sequence, opts ...ListenerOption) *Listener {
	l := &Listener{
		src:          src,
		cursor:       from,
		batchSize:    100,
		pollInterval: time.Second,
		gapTimeout:   5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen starts a listener after the given cursor.
func (o *Outbox) Listen(from Sequence, opts ...ListenerOption) *Listener {
	return NewListener(o, from, opts...)
}

// Cursor is the sequence of the last event returned by Next.
func (l *Listener) Cursor() Sequence { return l.cursor }

// Next blocks until the event following the cursor is available.
func (l *Listener) Next(ctx context.Context) (PersistentEvent, error) {
	return l.NextUntil(ctx, nil)
}

// NextUntil is Next that also gives up with ErrStopped once stop is closed. Only the wait for
// new events is interrupted; reads in progress finish on ctx.
func (l *Listener) NextUntil(ctx context.Context, stop <-chan struct{}) (PersistentEvent, error) {
	for {
		if len(l.buf) > 0 {
			ev := l.buf[0]
			l.buf = l.buf[1:]
			l.cursor = ev.Sequence
			return ev, nil
		}

		wake := l.src.Wake()
		events, err := l.src.EventsAfter(ctx, l.cursor, l.batchSize)
		if err != nil {
			return PersistentEvent{}, err
		}

		expected := l.cursor + 1
		for _, ev := range events {
			if ev.Sequence != expected {
				break
			}
			l.buf = append(l.buf, ev)
			expected++
		}
		if len(l.buf) > 0 {
			l.gapSince = time.Time{}
			continue
		}

		wait := l.pollInterval
		if len(events) > 0 {
			filled, remaining, err := l.handleGap(ctx, expected, events[0].Sequence)
			if err != nil {
				return PersistentEvent{}, err
			}
			if filled {
				continue
			}
			if remaining < wait {
				wait = remaining
			}
		} else {
			l.gapSince = time.Time{}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return PersistentEvent{}, ctx.Err()
		case <-stop:
			timer.Stop()
			return PersistentEvent{}, ErrStopped
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// handleGap tracks the hole [from, to). Once it outlived the gap timeout it is filled.
func (l *Listener) handleGap(ctx context.Context, from, to Sequence) (bool, time.Duration, error) {
	now := l.now()
	if l.gapSince.IsZero() || l.gapAt != from {
		l.gapAt = from
		l.gapSince = now
		return false, l.gapTimeout, nil
	}
	elapsed := now.Sub(l.gapSince)
	if elapsed < l.gapTimeout {
		return false, l.gapTimeout - elapsed, nil
	}

	seqs := make([]Sequence, 0, to-from)
	for s := from; s < to; s++ {
		seqs = append(seqs, s)
	}
	if err := l.src.FillGaps(ctx, seqs); err != nil {
		return false, 0, err
	}
	l.gapSince = time.Time{}
	return true, 0, nil
}
