package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/capture"
	"github.com/pranicsoil/fieldvoice/internal/voice/lock"
	"github.com/pranicsoil/fieldvoice/internal/voice/playback"
	"github.com/pranicsoil/fieldvoice/internal/voice/protocol"
	"github.com/pranicsoil/fieldvoice/internal/voice/transport"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// runtime holds the resources of one connect attempt. Fields are filled in
// as Connect acquires them and released together by teardown.
type runtime struct {
	kind      voice.ContextKind
	subject   string
	requested time.Time

	mu      sync.Mutex
	closed  bool
	session voice.Session
	stream  audio.InputStream
	locked  bool
	live    bool
	conn    *transport.Conn
	queue   *playback.Queue
	cancel  context.CancelFunc
	group   *errgroup.Group

	once sync.Once
}

// attach runs set unless the runtime is already torn down.
func (rt *runtime) attach(set func()) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return false
	}
	set()
	return true
}

func (rt *runtime) sessionInfo() voice.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.session
}

func (rt *runtime) playbackQueue() *playback.Queue {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.queue
}

// Connect starts a session. It returns (false, nil) when a session is
// already in progress on this agent, when another instance holds the
// session lock, or when Disconnect interrupts the attempt. Validation,
// origin and device errors are returned before any network call.
func (a *Agent) Connect(ctx context.Context, req ConnectRequest) (bool, error) {
	if err := voice.ValidateContext(req.Context, req.SubjectID); err != nil {
		return false, a.reject(fmt.Errorf("agent: connect: %w", err))
	}
	if err := voice.CheckSecureOrigin(a.cfg.Origin); err != nil {
		return false, a.reject(fmt.Errorf("agent: connect: %w", err))
	}
	if a.cfg.Microphone == nil {
		return false, a.reject(fmt.Errorf("agent: connect: %w", voice.ErrUnsupportedEnvironment))
	}

	a.mu.Lock()
	if a.rt != nil {
		a.mu.Unlock()
		slog.Debug("voice: connect ignored, session already in progress", "instance", a.id)
		return false, nil
	}
	rt := &runtime{kind: req.Context, subject: req.SubjectID, requested: time.Now()}
	a.rt = rt
	a.err = nil
	a.mu.Unlock()
	a.setStatus(rt, voice.StatusConnecting)

	ok, err := a.establish(ctx, rt)
	switch {
	case err != nil:
		a.teardown(rt, voice.StatusError, err)
		return false, err
	case !ok:
		a.teardown(rt, voice.StatusIdle, nil)
		return false, nil
	}
	return true, nil
}

// reject records a connect error when no session is running.
func (a *Agent) reject(err error) error {
	a.mu.Lock()
	if a.rt != nil {
		a.mu.Unlock()
		return err
	}
	a.err = err
	changed := a.status != voice.StatusError
	a.status = voice.StatusError
	a.mu.Unlock()

	if changed && a.cfg.OnStatus != nil {
		a.cfg.OnStatus(voice.StatusError)
	}
	return err
}

func (a *Agent) establish(ctx context.Context, rt *runtime) (bool, error) {
	stream, err := a.cfg.Microphone.Open(ctx)
	if err != nil {
		return false, fmt.Errorf("agent: open microphone: %w", err)
	}
	if !rt.attach(func() { rt.stream = stream }) {
		_ = stream.Stop()
		return false, nil
	}

	if a.cfg.MaxJitter > 0 {
		if err := lock.Jitter(ctx, a.cfg.MaxJitter); err != nil {
			return false, fmt.Errorf("agent: %w", err)
		}
	}
	acquired, err := a.cfg.Lock.TryAcquire(ctx, a.id)
	if err != nil {
		return false, fmt.Errorf("agent: acquire session lock: %w", err)
	}
	if !acquired {
		slog.Info("voice: another session holds the lock", "instance", a.id)
		return false, nil
	}
	if !rt.attach(func() { rt.locked = true }) {
		_ = a.cfg.Lock.Release(context.WithoutCancel(ctx), a.id)
		return false, nil
	}

	sessionID := uuid.NewString()
	desc, err := a.cfg.Broker.RequestDescriptor(ctx, rt.kind, sessionID)
	if err == nil && desc.EndpointURL == "" {
		err = errors.New("descriptor has no endpoint")
	}
	if err != nil {
		if !errors.Is(err, voice.ErrBrokerRequestFailed) {
			err = fmt.Errorf("%w: %w", voice.ErrBrokerRequestFailed, err)
		}
		return false, fmt.Errorf("agent: request descriptor: %w", err)
	}
	if desc.SessionID != "" {
		sessionID = desc.SessionID
	}
	kind, subject := effectiveContext(rt.kind, rt.subject, desc.ContextKind)
	if kind != rt.kind {
		slog.Warn("voice: broker resolved a different context", "requested", rt.kind, "resolved", kind, "session_id", sessionID)
	}

	conn, err := a.cfg.Dial(ctx, desc.EndpointURL)
	if err != nil {
		if !errors.Is(err, voice.ErrTransport) {
			err = fmt.Errorf("%w: %w", voice.ErrTransport, err)
		}
		return false, fmt.Errorf("agent: %w", err)
	}

	queue := playback.New(a.cfg.Output,
		playback.WithSampleRate(a.cfg.PlaybackRate),
		playback.WithVolumeMode(a.cfg.VolumeMode),
		playback.WithMetrics(a.cfg.Metrics),
		playback.WithHooks(playback.Hooks{
			OnStart: func() { a.setLiveStatus(rt, voice.StatusSpeaking) },
			OnIdle:  func() { a.setLiveStatus(rt, voice.StatusListening) },
		}),
	)
	sessCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(sessCtx)
	session := voice.Session{
		ID:        sessionID,
		Context:   kind,
		SubjectID: subject,
		StartedAt: time.Now(),
	}
	if !rt.attach(func() {
		rt.conn, rt.queue, rt.cancel, rt.group, rt.session = conn, queue, cancel, group, session
	}) {
		cancel()
		_ = conn.Close()
		_ = queue.Close()
		return false, nil
	}

	initiation, err := protocol.Initiation(desc.ContextLabel, map[string]string{
		"session_id":   sessionID,
		"context_type": string(kind),
	})
	if err != nil {
		return false, fmt.Errorf("agent: %w", err)
	}
	if err := conn.Send(ctx, initiation); err != nil {
		return false, fmt.Errorf("agent: send initiation: %w", err)
	}
	a.setStatus(rt, voice.StatusConnected)

	if !rt.attach(func() { rt.live = true }) {
		return false, nil
	}
	if m := a.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
	}

	pipe := capture.New(conn,
		capture.WithChunkSamples(a.cfg.ChunkSamples),
		capture.WithMetrics(a.cfg.Metrics),
	)
	a.setStatus(rt, voice.StatusListening)
	group.Go(func() error { return pipe.Run(gctx, stream) })
	group.Go(func() error { return a.keepAlive(gctx, rt) })
	go a.receive(rt, conn, queue)

	if m := a.cfg.Metrics; m != nil {
		m.ConnectDuration.Record(ctx, time.Since(rt.requested).Seconds())
	}
	slog.Info("voice: session started",
		"session_id", sessionID,
		"context", kind,
		"label", desc.ContextLabel,
		"instance", a.id,
	)
	return true, nil
}

// keepAlive refreshes the session lock until ctx ends. Losing the lock ends
// the session with an error.
func (a *Agent) keepAlive(ctx context.Context, rt *runtime) error {
	ticker := time.NewTicker(a.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			held, err := a.cfg.Lock.Refresh(ctx, a.id)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("voice: refresh session lock", "instance", a.id, "err", err)
			case !held:
				lost := errors.New("agent: session lock taken over by another instance")
				go a.teardown(rt, voice.StatusError, lost)
				return lost
			}
		}
	}
}

// ── Receive ───────────────────────────────────────────────────────────────────

// receive handles inbound messages in delivery order and tears the session
// down once the transport closes.
func (a *Agent) receive(rt *runtime, conn *transport.Conn, queue *playback.Queue) {
	for msg := range conn.Messages() {
		a.handle(rt, queue, msg)
	}
	err := conn.Err()
	slog.Info("voice: transport closed",
		"session_id", rt.sessionInfo().ID,
		"code", conn.CloseCode(),
		"err", err,
	)
	a.teardown(rt, voice.StatusIdle, err)
}

func (a *Agent) handle(rt *runtime, queue *playback.Queue, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindMetadata:
		slog.Debug("voice: conversation metadata",
			"conversation_id", msg.ConversationID,
			"output_format", msg.OutputFormat,
			"input_format", msg.InputFormat,
		)
		if rate, ok := protocol.SampleRate(msg.OutputFormat); ok {
			queue.SetSampleRate(rate)
		}
	case protocol.KindAudio:
		queue.Enqueue(msg.Audio)
	case protocol.KindAgentResponse:
		if msg.Text != "" {
			slog.Debug("voice: agent response", "text", msg.Text)
			a.transcript(SpeakerAgent, msg.Text)
		}
		if len(msg.Audio) > 0 {
			queue.Enqueue(msg.Audio)
		}
	case protocol.KindUserTranscript:
		slog.Debug("voice: user transcript", "text", msg.Text)
		a.transcript(SpeakerUser, msg.Text)
	case protocol.KindInterruption:
		queue.Interrupt()
	case protocol.KindError:
		a.fail(rt, fmt.Errorf("%w: %s", voice.ErrTransport, msg.Text))
	case protocol.KindEnded:
		slog.Info("voice: conversation ended by remote", "session_id", rt.sessionInfo().ID, "reason", msg.Text)
	default:
		slog.Debug("voice: ignoring message", "type", msg.Type)
	}
}

func (a *Agent) transcript(who Speaker, text string) {
	if a.cfg.OnTranscript != nil && text != "" {
		a.cfg.OnTranscript(who, text)
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// teardown releases everything rt holds and moves the agent to final. Only
// the first call for a runtime has any effect; later calls wait for it.
func (a *Agent) teardown(rt *runtime, final voice.Status, cause error) {
	rt.once.Do(func() {
		rt.mu.Lock()
		rt.closed = true
		stream, conn, queue, cancel, group := rt.stream, rt.conn, rt.queue, rt.cancel, rt.group
		locked, live := rt.locked, rt.live
		if rt.session.ID != "" {
			rt.session.EndedAt = time.Now()
		}
		session := rt.session
		rt.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if stream != nil {
			if err := stream.Stop(); err != nil {
				slog.Warn("voice: stop microphone", "err", err)
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		if group != nil {
			_ = group.Wait()
		}
		if queue != nil {
			_ = queue.Close()
		}
		if locked {
			ctx, cancelRelease := context.WithTimeout(context.Background(), a.cfg.ReportTimeout)
			if err := a.cfg.Lock.Release(ctx, a.id); err != nil {
				slog.Warn("voice: release session lock", "instance", a.id, "err", err)
			}
			cancelRelease()
		}

		if m := a.cfg.Metrics; m != nil && live {
			m.ActiveSessions.Add(context.Background(), -1)
			m.SessionDuration.Record(context.Background(), session.Duration(session.EndedAt).Seconds())
		}
		if live {
			a.reportEnd(session)
		}

		a.mu.Lock()
		if a.rt == rt {
			a.rt = nil
		}
		if cause != nil {
			a.err = cause
		}
		if session.ID != "" {
			a.last = session
		}
		changed := a.status != final
		a.status = final
		a.mu.Unlock()

		slog.Info("voice: session ended",
			"session_id", session.ID,
			"status", final,
			"duration", session.Duration(session.EndedAt),
			"err", cause,
		)
		if changed && a.cfg.OnStatus != nil {
			a.cfg.OnStatus(final)
		}
	})
}

// reportEnd sends the best-effort end report in the background.
func (a *Agent) reportEnd(session voice.Session) {
	a.reports.Add(1)
	go func() {
		defer a.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReportTimeout)
		defer cancel()
		duration := session.Duration(session.EndedAt)
		if err := a.cfg.Broker.ReportSessionEnd(ctx, session.ID, duration); err != nil {
			slog.Warn("voice: report session end", "session_id", session.ID, "err", err)
		}
	}()
}

// effectiveContext is the context the broker actually primed the session
// with. A public session carries no subject.
func effectiveContext(requested voice.ContextKind, subject string, resolved voice.ContextKind) (voice.ContextKind, string) {
	if !resolved.IsValid() {
		resolved = requested
	}
	if resolved == voice.ContextPublic {
		subject = ""
	}
	return resolved, subject
}
