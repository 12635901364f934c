// Package playback plays agent audio strictly one frame at a time.
//
// [Queue] owns a FIFO of undecoded frames and a single dispatch goroutine
// that decodes and renders them on an [audio.Speaker]. While a frame plays,
// a volume level for UI animation is sampled every [VolumeInterval].
package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

const (
	// DefaultSampleRate is the agent output rate assumed until the session
	// metadata announces another.
	DefaultSampleRate = 24000

	// VolumeInterval is the volume sampling period while playing.
	VolumeInterval = 100 * time.Millisecond
)

// VolumeMode selects how the volume level is derived.
type VolumeMode string

const (
	// VolumeRMS reports the RMS of the window currently being played.
	VolumeRMS VolumeMode = "rms"

	// VolumeSynthetic reports a random level in [0.3, 0.8), which animates a
	// speaking indicator without analysing the audio.
	VolumeSynthetic VolumeMode = "synthetic"
)

// Hooks are invoked from the dispatch goroutine, or from the caller of
// [Queue.Interrupt]. They must not call back into the queue while blocking.
type Hooks struct {
	// OnStart runs when a frame begins playing.
	OnStart func()

	// OnIdle runs when playback stops with nothing queued, including after
	// an interrupt.
	OnIdle func()
}

// Option configures a [Queue].
type Option func(*Queue)

// WithSampleRate sets the initial PCM rate. Defaults to [DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(q *Queue) {
		if rate > 0 {
			q.rate.Store(int64(rate))
		}
	}
}

// WithVolumeMode selects the volume source. Defaults to [VolumeRMS].
func WithVolumeMode(mode VolumeMode) Option {
	return func(q *Queue) { q.mode = mode }
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// WithMetrics counts frame outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a single-consumer playback queue. All exported methods are safe
// for concurrent use.
type Queue struct {
	speaker audio.Speaker
	mode    VolumeMode
	hooks   Hooks
	metrics *observe.Metrics
	rate    atomic.Int64
	volume  atomic.Uint64 // math.Float64bits

	mu         sync.Mutex
	frames     [][]byte
	playing    bool
	generation uint64
	cancelPlay context.CancelFunc
	closed     bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New starts a queue rendering on speaker. Call [Queue.Close] to stop it.
func New(speaker audio.Speaker, opts ...Option) *Queue {
	q := &Queue{
		speaker: speaker,
		mode:    VolumeRMS,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	q.rate.Store(DefaultSampleRate)
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends a frame. Playback starts immediately when idle.
func (q *Queue) Enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Interrupt drops every queued frame, stops the one playing and zeroes the
// volume. The OnIdle hook runs before Interrupt returns.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := len(q.frames)
	wasPlaying := q.interruptLocked()
	q.mu.Unlock()

	if wasPlaying || dropped > 0 {
		slog.Debug("playback: interrupted", "dropped", dropped, "was_playing", wasPlaying)
	}
	for range dropped {
		q.record(observe.ResultInterrupted)
	}
	if q.hooks.OnIdle != nil {
		q.hooks.OnIdle()
	}
}

func (q *Queue) interruptLocked() bool {
	wasPlaying := q.playing
	q.frames = nil
	q.generation++
	if q.cancelPlay != nil {
		q.cancelPlay()
		q.cancelPlay = nil
	}
	q.playing = false
	q.setVolume(0)
	return wasPlaying
}

// IsPlaying reports whether a frame is currently being rendered.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting behind the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Volume returns the latest volume level in [0, 1].
func (q *Queue) Volume() float64 {
	return math.Float64frombits(q.volume.Load())
}

// SetSampleRate changes the PCM rate for frames decoded from now on.
func (q *Queue) SetSampleRate(rate int) {
	if rate > 0 {
		q.rate.Store(int64(rate))
	}
}

// SampleRate returns the PCM rate currently assumed for frames.
func (q *Queue) SampleRate() int { return int(q.rate.Load()) }

// Close interrupts playback, stops the dispatch goroutine and waits for it
// to exit. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.exited
		return nil
	}
	q.interruptLocked()
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	<-q.exited
	return nil
}

func (q *Queue) setVolume(v float64) {
	q.volume.Store(math.Float64bits(v))
}

func (q *Queue) record(result string) {
	if q.metrics != nil {
		q.metrics.RecordPlayback(context.Background(), result)
	}
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

func (q *Queue) dispatch() {
	defer close(q.exited)
	for {
		frame, gen, ctx, ok := q.next()
		if !ok {
			select {
			case <-q.done:
				return
			case <-q.notify:
				continue
			}
		}
		q.play(ctx, frame, gen)
	}
}

// next pops the head frame and marks the queue as playing.
func (q *Queue) next() ([]byte, uint64, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) == 0 {
		return nil, 0, nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.cancelPlay = cancel
	q.playing = true
	return frame, q.generation, ctx, true
}

func (q *Queue) play(ctx context.Context, frame []byte, gen uint64) {
	buf, err := Decode(frame, q.SampleRate())
	if err != nil {
		slog.Warn("playback: dropping undecodable frame", "bytes", len(frame), "err", err)
		q.record(observe.ResultDecodeError)
		q.finish(gen)
		return
	}

	if q.hooks.OnStart != nil && q.current(gen) {
		q.hooks.OnStart()
	}

	meterDone := make(chan struct{})
	go q.meter(ctx, gen, buf, meterDone)
	err = q.speaker.Play(ctx, buf)
	close(meterDone)

	switch {
	case errors.Is(err, context.Canceled):
		q.record(observe.ResultInterrupted)
	case err != nil:
		slog.Warn("playback: speaker error", "err", err)
		q.record(observe.ResultPlayed)
	default:
		q.record(observe.ResultPlayed)
	}
	q.finish(gen)
}

func (q *Queue) current(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation == gen && !q.closed
}

// finish clears the playing state unless an interrupt already did, and
// fires OnIdle when nothing else is waiting.
func (q *Queue) finish(gen uint64) {
	q.mu.Lock()
	if q.generation != gen || q.closed {
		q.mu.Unlock()
		return
	}
	if q.cancelPlay != nil {
		q.cancelPlay()
		q.cancelPlay = nil
	}
	q.playing = false
	idle := len(q.frames) == 0
	if idle {
		q.setVolume(0)
	}
	q.mu.Unlock()

	if idle && q.hooks.OnIdle != nil {
		q.hooks.OnIdle()
	}
}

func (q *Queue) meter(ctx context.Context, gen uint64, buf audio.Buffer, stop <-chan struct{}) {
	start := time.Now()
	sample := func() {
		var v float64
		switch q.mode {
		case VolumeSynthetic:
			v = 0.3 + rand.Float64()*0.5
		default:
			v = min(audio.RMS(buf.Window(time.Since(start), VolumeInterval)), 1)
		}
		q.mu.Lock()
		if q.generation == gen && q.playing {
			q.setVolume(v)
		}
		q.mu.Unlock()
	}
	sample()

	ticker := time.NewTicker(VolumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			sample()
		}
	}
}
