// Package filedev implements [audio.Microphone] and [audio.Speaker] on top
// of WAV files. It lets the voice client run headless: a recorded utterance
// stands in for the microphone and the agent's speech is written to disk.
package filedev

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// DefaultBlock is the capture block length delivered per tick.
const DefaultBlock = 20 * time.Millisecond

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone plays a WAV file as if it were captured live.
type Microphone struct {
	path  string
	block time.Duration
	tail  bool
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithBlock sets the capture block length. Defaults to [DefaultBlock].
func WithBlock(d time.Duration) MicOption {
	return func(m *Microphone) {
		if d > 0 {
			m.block = d
		}
	}
}

// WithSilenceTail keeps the stream open with silence once the file is
// exhausted, so the remote side can finish its turn.
func WithSilenceTail(on bool) MicOption {
	return func(m *Microphone) { m.tail = on }
}

// NewMicrophone returns a microphone reading from the WAV file at path.
func NewMicrophone(path string, opts ...MicOption) *Microphone {
	m := &Microphone{path: path, block: DefaultBlock, tail: true}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone]. Missing files map to
// [audio.ErrDeviceNotFound], permission failures to
// [audio.ErrPermissionDenied] and locked files to [audio.ErrDeviceBusy].
func (m *Microphone) Open(ctx context.Context) (audio.InputStream, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, classifyOpenError(m.path, err)
	}
	buf, _, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("filedev: %s: %w", m.path, err)
	}

	s := &stream{
		format: audio.Format{SampleRate: buf.SampleRate, Channels: 1},
		blocks: make(chan []float32, 8),
		done:   make(chan struct{}),
	}
	go s.run(buf, m.block, m.tail)
	slog.Debug("filedev: microphone open", "path", m.path, "duration", buf.Duration())
	return s, nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("filedev: %s: %w", path, audio.ErrDeviceNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("filedev: %s: %w", path, audio.ErrPermissionDenied)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return fmt.Errorf("filedev: %s: %w", path, audio.ErrDeviceBusy)
	default:
		return fmt.Errorf("filedev: open %s: %w", path, err)
	}
}

type stream struct {
	format audio.Format
	blocks chan []float32
	done   chan struct{}
	once   sync.Once
}

func (s *stream) Format() audio.Format     { return s.format }
func (s *stream) Blocks() <-chan []float32 { return s.blocks }

func (s *stream) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stream) run(buf audio.Buffer, block time.Duration, tail bool) {
	defer close(s.blocks)

	n := max(int(int64(block)*int64(buf.SampleRate)/int64(time.Second)), 1)
	ticker := time.NewTicker(block)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		var out []float32
		switch {
		case pos < len(buf.Samples):
			end := min(pos+n, len(buf.Samples))
			out = buf.Samples[pos:end]
			pos = end
		case tail:
			out = make([]float32, n)
		default:
			return
		}

		select {
		case s.blocks <- out:
		case <-s.done:
			return
		}
	}
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker appends everything it plays to a mono PCM16 WAV file, pacing Play
// to real time.
type Speaker struct {
	mu       sync.Mutex
	f        *os.File
	w        *audio.WAVWriter
	realtime bool
}

// NewSpeaker creates (or truncates) the WAV file at path. Output is written
// at sampleRate; buffers at other rates are resampled.
func NewSpeaker(path string, sampleRate int, realtime bool) (*Speaker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("filedev: create %s: %w", path, err)
	}
	w, err := audio.NewWAVWriter(f, sampleRate)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Speaker{f: f, w: w, realtime: realtime}, nil
}

var _ audio.Speaker = (*Speaker)(nil)

// Play implements [audio.Speaker]. With realtime pacing the samples are
// written in 20 ms slices so cancellation truncates the output the way a
// real device would.
func (s *Speaker) Play(ctx context.Context, buf audio.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	samples := s.toOutputRate(buf)
	if !s.realtime {
		return s.write(samples)
	}

	rate := s.w.SampleRate()
	step := max(rate/50, 1)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for pos := 0; pos < len(samples); pos += step {
		if err := s.write(samples[pos:min(pos+step, len(samples))]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Speaker) toOutputRate(buf audio.Buffer) []float32 {
	if buf.SampleRate == s.w.SampleRate() || buf.SampleRate <= 0 {
		return buf.Samples
	}
	pcm := audio.ResampleMono16(audio.FloatToPCM16(buf.Samples), buf.SampleRate, s.w.SampleRate())
	out, _ := audio.PCM16ToFloat(pcm)
	return out
}

func (s *Speaker) write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WriteSamples(samples)
}

// Close finalises the WAV header and closes the file.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.w.Close(), s.f.Close())
}
