// Package agent runs a single voice conversation at a time.
//
// An [Agent] owns the whole lifecycle of a session: it validates the
// requested context, opens the microphone, takes the process-wide session
// lock, asks the broker for a connection descriptor, dials the transport and
// then wires capture, playback and the receive loop together. Every exit path
// (local disconnect, remote close, setup failure) runs the same idempotent
// teardown, which stops the microphone and releases the lock.
//
// The UI-facing surface is [Agent.Status], [Agent.Volume], [Agent.Err],
// [Agent.Connect] and [Agent.Disconnect]. All exported methods are safe for
// concurrent use.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/capture"
	"github.com/pranicsoil/fieldvoice/internal/voice/lock"
	"github.com/pranicsoil/fieldvoice/internal/voice/playback"
	"github.com/pranicsoil/fieldvoice/internal/voice/transport"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// DefaultReportTimeout bounds the best-effort session end report.
const DefaultReportTimeout = 5 * time.Second

// Broker hands out connection descriptors and records session ends.
type Broker interface {
	// RequestDescriptor asks for a connection endpoint for a new session.
	// Failures wrap [voice.ErrBrokerRequestFailed].
	RequestDescriptor(ctx context.Context, kind voice.ContextKind, sessionID string) (voice.Descriptor, error)

	// ReportSessionEnd records the end of a session. Best-effort.
	ReportSessionEnd(ctx context.Context, sessionID string, duration time.Duration) error
}

// Dialer opens the transport session for a descriptor endpoint.
type Dialer func(ctx context.Context, url string) (*transport.Conn, error)

// Speaker names who produced a transcript line.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// Config holds the dependencies and tuning of an [Agent].
type Config struct {
	Microphone audio.Microphone
	Output     audio.Speaker
	Broker     Broker
	Lock       lock.Manager

	// Origin is the broker base URL. It must be https, or http on a
	// loopback host.
	Origin string

	// InstanceID identifies this agent to the lock. Defaults to a random
	// UUID.
	InstanceID string

	// Dial opens the transport. Defaults to [transport.Dial].
	Dial Dialer

	// MaxJitter bounds the random wait before taking the lock. Zero uses
	// [lock.DefaultMaxJitter]; a negative value disables the wait.
	MaxJitter time.Duration

	// KeepAlive is the lock refresh period while a session runs. Defaults to
	// a third of [lock.DefaultStaleAfter].
	KeepAlive time.Duration

	// ReportTimeout bounds the end-of-session report. Defaults to
	// [DefaultReportTimeout].
	ReportTimeout time.Duration

	PlaybackRate int
	ChunkSamples int
	VolumeMode   playback.VolumeMode

	Metrics *observe.Metrics

	// OnStatus is called after every status change, outside internal locks.
	OnStatus func(voice.Status)

	// OnTranscript receives agent responses and user transcripts.
	OnTranscript func(Speaker, string)
}

// ConnectRequest selects the conversation context.
type ConnectRequest struct {
	Context   voice.ContextKind
	SubjectID string
}

// Agent is the session orchestrator. Create one with [New].
type Agent struct {
	cfg Config
	id  string

	mu     sync.Mutex
	status voice.Status
	err    error
	rt     *runtime
	last   voice.Session

	// reports tracks in-flight end reports so Close can wait for them.
	reports sync.WaitGroup
}

// New validates cfg and returns an idle agent.
func New(cfg Config) (*Agent, error) {
	var errs []error
	if cfg.Broker == nil {
		errs = append(errs, errors.New("broker is required"))
	}
	if cfg.Lock == nil {
		errs = append(errs, errors.New("lock manager is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("output speaker is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("agent: %w: %w", voice.ErrConfiguration, err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = lock.DefaultMaxJitter
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = lock.DefaultStaleAfter / 3
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = capture.DefaultChunkSamples
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = playback.DefaultSampleRate
	}
	if cfg.VolumeMode == "" {
		cfg.VolumeMode = playback.VolumeRMS
	}
	if cfg.Dial == nil {
		var opts []transport.Option
		if cfg.Metrics != nil {
			opts = append(opts, transport.WithMetrics(cfg.Metrics))
		}
		cfg.Dial = func(ctx context.Context, url string) (*transport.Conn, error) {
			return transport.Dial(ctx, url, opts...)
		}
	}
	return &Agent{cfg: cfg, id: cfg.InstanceID}, nil
}

// InstanceID returns the identity this agent uses for the session lock.
func (a *Agent) InstanceID() string { return a.id }

// Status returns the current session status.
func (a *Agent) Status() voice.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// IsConnected reports whether a session is connected, listening or speaking.
func (a *Agent) IsConnected() bool { return a.Status().Active() }

// Err returns the error behind the last Error status, or the transport error
// that ended the last session. It is cleared by the next Connect.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Volume returns the playback level in [0, 1], or 0 when nothing plays.
func (a *Agent) Volume() float64 {
	a.mu.Lock()
	rt := a.rt
	a.mu.Unlock()
	if rt == nil {
		return 0
	}
	if q := rt.playbackQueue(); q != nil {
		return q.Volume()
	}
	return 0
}

// Session returns the live session, or the last ended one.
func (a *Agent) Session() voice.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rt != nil {
		if s := a.rt.sessionInfo(); s.ID != "" {
			return s
		}
	}
	return a.last
}

// Disconnect ends the current session, if any. It returns once every local
// resource is released; the end report to the broker continues in the
// background.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	rt := a.rt
	a.mu.Unlock()
	if rt == nil {
		return
	}
	slog.Info("voice: disconnect requested", "session_id", rt.sessionInfo().ID)
	a.teardown(rt, voice.StatusIdle, nil)
}

// Close disconnects and waits for pending end reports.
func (a *Agent) Close() error {
	a.Disconnect()
	a.reports.Wait()
	return nil
}

// ── Status ────────────────────────────────────────────────────────────────────

// setStatus records s for rt and notifies OnStatus. Changes for a session
// that is no longer live are ignored.
func (a *Agent) setStatus(rt *runtime, s voice.Status) {
	a.update(rt, s, false)
}

// setLiveStatus is setStatus for playback transitions, which only apply
// while the session is connected and not in Error.
func (a *Agent) setLiveStatus(rt *runtime, s voice.Status) {
	a.update(rt, s, true)
}

func (a *Agent) update(rt *runtime, s voice.Status, liveOnly bool) {
	a.mu.Lock()
	if a.rt != rt || (liveOnly && !a.status.Active()) {
		a.mu.Unlock()
		return
	}
	changed := a.status != s
	a.status = s
	a.mu.Unlock()

	if changed && a.cfg.OnStatus != nil {
		a.cfg.OnStatus(s)
	}
}

// fail moves a live session to Error, keeping it connected.
func (a *Agent) fail(rt *runtime, err error) {
	a.mu.Lock()
	if a.rt != rt {
		a.mu.Unlock()
		return
	}
	a.err = err
	changed := a.status != voice.StatusError
	a.status = voice.StatusError
	a.mu.Unlock()

	slog.Warn("voice: session error", "session_id", rt.sessionInfo().ID, "err", err)
	if changed && a.cfg.OnStatus != nil {
		a.cfg.OnStatus(voice.StatusError)
	}
}
