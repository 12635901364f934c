// Package lock guards the single-active-voice-session rule. A [Manager]
// hands the session lock to one instance at a time; a holder that stops
// refreshing becomes stale after [DefaultStaleAfter] and may be displaced.
//
// Two backends are provided: [Memory] for a single process and [Redis] for
// several processes sharing one voice identity.
package lock

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/observe"
)

const (
	// DefaultStaleAfter is the age at which an unrefreshed lock may be reclaimed.
	DefaultStaleAfter = 10 * time.Second

	// DefaultMaxJitter bounds the random wait before an acquisition attempt.
	DefaultMaxJitter = 50 * time.Millisecond
)

// Manager grants the session lock to one owner at a time.
type Manager interface {
	// TryAcquire takes the lock for owner. It returns false without error when
	// another owner holds a fresh lock. Re-acquiring a lock already held by
	// owner refreshes it and succeeds.
	TryAcquire(ctx context.Context, owner string) (bool, error)

	// Refresh extends owner's hold. It returns false when owner no longer
	// holds the lock.
	Refresh(ctx context.Context, owner string) (bool, error)

	// Release drops the lock if owner holds it and is a no-op otherwise.
	Release(ctx context.Context, owner string) error
}

// Holder describes the current lock owner.
type Holder struct {
	Owner      string
	AcquiredAt time.Time
}

// Option configures a lock backend.
type Option func(*options)

type options struct {
	staleAfter time.Duration
	now        func() time.Time
	metrics    *observe.Metrics
	prefix     string
}

func defaults() options {
	return options{
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		prefix:     "fieldvoice:voice-session-lock",
	}
}

// WithStaleAfter overrides [DefaultStaleAfter].
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithClock replaces time.Now. Only the memory backend reads the clock; the
// Redis backend relies on key expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records acquisitions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithKey sets the Redis key holding the lock.
func WithKey(key string) Option {
	return func(o *options) { o.prefix = key }
}

func (o *options) record(ctx context.Context, result string) {
	if o.metrics != nil {
		o.metrics.RecordLock(ctx, result)
	}
}

// Jitter sleeps for a random duration in [0, max). Concurrent initialisations
// started by the same event are spread out so that one of them reliably wins
// the lock. It returns ctx.Err() if ctx ends first.
func Jitter(ctx context.Context, limit time.Duration) error {
	if limit <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(rand.N(limit))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
