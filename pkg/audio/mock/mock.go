// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.InputStream] and [audio.Speaker] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields to steer return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 48000, Channels: 2})
//	mic := &mock.Microphone{Stream: stream}
//	spk := &mock.Speaker{}
//	// ... drive the code under test ...
//	stream.Push([]float32{0.1, 0.1})
package mock

import (
	"context"
	"sync"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. A fresh 16 kHz mono stream is created when nil.
	Stream *Stream

	// OpenErr, when set, is returned by Open instead of a stream.
	OpenErr error

	// OpenCalls counts calls to Open.
	OpenCalls int

	opened []*Stream
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := m.Stream
	if s == nil || s.Stopped() {
		s = NewStream(audio.Format{SampleRate: 16000, Channels: 1})
		m.Stream = s
	}
	m.opened = append(m.opened, s)
	return s, nil
}

// Opened returns every stream handed out by Open, in order.
func (m *Microphone) Opened() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.opened))
	copy(out, m.opened)
	return out
}

// Live reports whether any stream returned by Open is still running.
func (m *Microphone) Live() bool {
	for _, s := range m.Opened() {
		if !s.Stopped() {
			return true
		}
	}
	return false
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.InputStream] fed by [Stream.Push].
type Stream struct {
	format audio.Format
	blocks chan []float32

	mu        sync.Mutex
	stopped   bool
	stopCalls int
}

var _ audio.InputStream = (*Stream)(nil)

// NewStream returns a running stream in the given format.
func NewStream(format audio.Format) *Stream {
	return &Stream{format: format, blocks: make(chan []float32, 64)}
}

// Format implements [audio.InputStream].
func (s *Stream) Format() audio.Format { return s.format }

// Blocks implements [audio.InputStream].
func (s *Stream) Blocks() <-chan []float32 { return s.blocks }

// Push delivers a block of samples. It reports false once the stream is stopped.
func (s *Stream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.blocks <- samples
	return true
}

// Stop implements [audio.InputStream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if !s.stopped {
		s.stopped = true
		close(s.blocks)
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopCalls returns how many times Stop was called.
func (s *Stream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [audio.Speaker]. By default Play returns immediately;
// set Hold to keep every Play call running until [Speaker.Finish] or its
// context is cancelled.
type Speaker struct {
	// Hold makes Play block until Finish is called or ctx is done.
	Hold bool

	mu         sync.Mutex
	played     []audio.Buffer
	cancelled  int
	active     int
	maxActive  int
	finish     chan struct{}
	startedSig chan struct{}
}

var _ audio.Speaker = (*Speaker)(nil)

// Play implements [audio.Speaker].
func (s *Speaker) Play(ctx context.Context, buf audio.Buffer) error {
	s.mu.Lock()
	s.played = append(s.played, buf)
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	if s.finish == nil {
		s.finish = make(chan struct{})
	}
	finish := s.finish
	if s.startedSig != nil {
		select {
		case s.startedSig <- struct{}{}:
		default:
		}
	}
	hold := s.Hold
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if !hold {
		return ctx.Err()
	}
	select {
	case <-finish:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Started returns a channel that receives once per Play call. Call it
// before the code under test starts playing.
func (s *Speaker) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedSig == nil {
		s.startedSig = make(chan struct{}, 64)
	}
	return s.startedSig
}

// Finish releases the Play call currently held.
func (s *Speaker) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finish != nil {
		close(s.finish)
	}
	s.finish = make(chan struct{})
}

// Played returns every buffer handed to Play, in order.
func (s *Speaker) Played() []audio.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Buffer, len(s.played))
	copy(out, s.played)
	return out
}

// Cancelled returns how many Play calls ended through ctx cancellation.
func (s *Speaker) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Active returns the number of Play calls currently running.
func (s *Speaker) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxActive returns the highest number of concurrent Play calls observed.
func (s *Speaker) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}
