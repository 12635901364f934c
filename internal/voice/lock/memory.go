package lock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pranicsoil/fieldvoice/internal/observe"
)

// Memory is an in-process [Manager]. Share one instance between every voice
// agent of the process.
type Memory struct {
	opts options

	mu     sync.Mutex
	holder Holder
	held   bool
}

var _ Manager = (*Memory)(nil)

// NewMemory returns an unlocked in-memory manager.
func NewMemory(opts ...Option) *Memory {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Memory{opts: o}
}

// TryAcquire implements [Manager].
func (m *Memory) TryAcquire(ctx context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	switch {
	case !m.held || m.holder.Owner == owner:
		m.holder = Holder{Owner: owner, AcquiredAt: now}
		m.held = true
		m.opts.record(ctx, observe.ResultGranted)
		return true, nil

	case now.Sub(m.holder.AcquiredAt) >= m.opts.staleAfter:
		slog.Warn("lock: reclaiming stale voice session lock",
			"previous_owner", m.holder.Owner,
			"age", now.Sub(m.holder.AcquiredAt),
			"owner", owner,
		)
		m.holder = Holder{Owner: owner, AcquiredAt: now}
		m.opts.record(ctx, observe.ResultReclaimed)
		return true, nil

	default:
		m.opts.record(ctx, observe.ResultBusy)
		return false, nil
	}
}

// Refresh implements [Manager].
func (m *Memory) Refresh(_ context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held || m.holder.Owner != owner {
		return false, nil
	}
	m.holder.AcquiredAt = m.opts.now()
	return true, nil
}

// Release implements [Manager].
func (m *Memory) Release(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held && m.holder.Owner == owner {
		m.holder = Holder{}
		m.held = false
	}
	return nil
}

// Holder returns the current holder, if any.
func (m *Memory) Holder() (Holder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder, m.held
}
