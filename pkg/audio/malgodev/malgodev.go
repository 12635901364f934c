//go:build cgo && malgo

package malgodev

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

const (
	// DefaultCaptureRate is the rate the capture device is opened at. The
	// capture pipeline resamples to the uplink rate itself.
	DefaultCaptureRate = 48000

	// DefaultPeriod is the device callback period.
	DefaultPeriod = 20 * time.Millisecond

	blockBuffer = 32
)

// Host owns a miniaudio context and opens the default capture and playback
// devices on it. A Host is both an [audio.Microphone] and an [audio.Speaker].
type Host struct {
	mctx     *malgo.AllocatedContext
	rate     int
	channels int
	period   time.Duration
}

// Option configures a [Host].
type Option func(*Host)

// WithCaptureRate sets the capture sample rate. Defaults to
// [DefaultCaptureRate].
func WithCaptureRate(hz int) Option {
	return func(h *Host) {
		if hz > 0 {
			h.rate = hz
		}
	}
}

// WithCaptureChannels sets the capture channel count. Defaults to 1.
func WithCaptureChannels(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.channels = n
		}
	}
}

// WithPeriod sets the device callback period. Defaults to [DefaultPeriod].
func WithPeriod(d time.Duration) Option {
	return func(h *Host) {
		if d >= time.Millisecond {
			h.period = d
		}
	}
}

// New initialises the audio backend. Call [Host.Close] to release it.
func New(opts ...Option) (*Host, error) {
	h := &Host{rate: DefaultCaptureRate, channels: 1, period: DefaultPeriod}
	for _, o := range opts {
		o(h)
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("init context", err)
	}
	h.mctx = mctx
	return h, nil
}

var (
	_ audio.Microphone = (*Host)(nil)
	_ audio.Speaker    = (*Host)(nil)
)

// Close releases the audio backend. Streams must be stopped first.
func (h *Host) Close() error {
	err := h.mctx.Uninit()
	h.mctx.Free()
	return err
}

func (h *Host) periodMillis() uint32 {
	return uint32(h.period / time.Millisecond)
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Open implements [audio.Microphone] on the default capture device.
func (h *Host) Open(ctx context.Context) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(h.channels)
	cfg.SampleRate = uint32(h.rate)
	cfg.PeriodSizeInMilliseconds = h.periodMillis()

	s := &inputStream{
		format: audio.Format{SampleRate: h.rate, Channels: h.channels},
		blocks: make(chan []float32, blockBuffer),
	}
	dev, err := malgo.InitDevice(h.mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, classify("open capture", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start capture", err)
	}
	s.dev = dev
	slog.Debug("malgodev: capture open", "format", s.format)
	return s, nil
}

type inputStream struct {
	format audio.Format
	dev    *malgo.Device
	blocks chan []float32

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (s *inputStream) Format() audio.Format     { return s.format }
func (s *inputStream) Blocks() <-chan []float32 { return s.blocks }

// onData runs on the audio thread and must not block.
func (s *inputStream) onData(_, in []byte, _ uint32) {
	samples, err := audio.PCM16ToFloat(in)
	if err != nil || len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.blocks <- samples:
	default:
		s.dropped++
	}
}

func (s *inputStream) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.blocks)
	dropped := s.dropped
	s.mu.Unlock()

	s.dev.Uninit()
	if dropped > 0 {
		slog.Warn("malgodev: capture blocks dropped", "count", dropped)
	}
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Play implements [audio.Speaker] on the default playback device. The device
// is opened at the buffer's own rate.
func (h *Host) Play(ctx context.Context, buf audio.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf.Samples) == 0 {
		return nil
	}
	if buf.SampleRate <= 0 {
		return errors.New("malgodev: buffer has no sample rate")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(buf.SampleRate)
	cfg.PeriodSizeInMilliseconds = h.periodMillis()

	c := &cursor{pcm: audio.FloatToPCM16(buf.Samples), done: make(chan struct{})}
	dev, err := malgo.InitDevice(h.mctx.Context, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		return classify("open playback", err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return classify("start playback", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	}

	// The last period is still in the device buffer.
	tail := time.NewTimer(2 * h.period)
	defer tail.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tail.C:
		return nil
	}
}

// cursor feeds one buffer to the playback callback.
type cursor struct {
	mu   sync.Mutex
	pcm  []byte
	pos  int
	once sync.Once
	done chan struct{}
}

func (c *cursor) onData(out, _ []byte, _ uint32) {
	c.mu.Lock()
	n := copy(out, c.pcm[c.pos:])
	c.pos += n
	finished := c.pos >= len(c.pcm)
	c.mu.Unlock()

	clear(out[n:])
	if finished {
		c.once.Do(func() { close(c.done) })
	}
}
