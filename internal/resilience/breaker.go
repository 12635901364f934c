// Package resilience guards calls to flaky upstreams with a circuit breaker.
//
// [Breaker] is a three-state breaker (closed, open, half-open). After
// MaxFailures consecutive failures it rejects calls with [ErrCircuitOpen]
// for ResetTimeout, then lets a few probes through to decide whether the
// upstream recovered. Cancellation of the caller's context is not counted
// as an upstream failure.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes a [Breaker]. Zero fields take the defaults noted below.
type Config struct {
	// Name labels log lines and errors.
	Name string

	// MaxFailures is the consecutive failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. Errors from fn are returned
// unchanged; a rejected call returns an error wrapping [ErrCircuitOpen].
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	switch {
	case err == nil:
		b.succeedLocked(probe)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The caller gave up; say nothing about the upstream.
		if probe {
			b.probes--
		}
	default:
		b.failLocked(probe)
	}
	changes := b.drainLocked()
	b.mu.Unlock()

	b.notify(changes)
	return err
}

// State returns the current state. An open breaker whose timeout elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Check reports an error while the breaker is open. It fits a readiness
// probe.
func (b *Breaker) Check(context.Context) error {
	if s := b.State(); s == StateOpen {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
	}
	return nil
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.moveLocked(StateClosed)
	changes := b.drainLocked()
	b.mu.Unlock()
	b.notify(changes)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer func() {
		changes := b.drainLocked()
		b.mu.Unlock()
		b.notify(changes)
	}()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
		}
		b.moveLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) failLocked(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.moveLocked(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.moveLocked(StateOpen)
	}
}

func (b *Breaker) succeedLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeWins++
	if b.probeWins >= b.cfg.HalfOpenMax {
		b.moveLocked(StateClosed)
	}
}

func (b *Breaker) moveLocked(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.probes = 0
	b.probeWins = 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	if from != to {
		b.transitions = append(b.transitions, transition{from, to})
	}
}

func (b *Breaker) drainLocked() []transition {
	out := b.transitions
	b.transitions = nil
	return out
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		switch c.to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", b.cfg.Name, "from", c.from)
		default:
			slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", c.from, "to", c.to)
		}
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, c.from, c.to)
		}
	}
}
