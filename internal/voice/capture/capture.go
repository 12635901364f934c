// Package capture turns microphone sample blocks into uplink audio chunks.
//
// Blocks are clamped and converted to PCM16, down-mixed to mono and
// resampled to [UplinkRate], then cut into fixed-size chunks. A chunk is sent
// only while the transport is open; otherwise it is dropped, never queued.
package capture

import (
	"context"
	"log/slog"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/voice/protocol"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

const (
	// UplinkRate is the sample rate the remote agent expects.
	UplinkRate = 16000

	// DefaultChunkSamples is the uplink chunk size in samples.
	DefaultChunkSamples = 4096
)

// Sender is the outbound side of a transport session.
type Sender interface {
	Open() bool
	Send(ctx context.Context, data []byte) error
}

// Pipeline converts and forwards captured audio. It is not safe for
// concurrent use; run one per input stream.
type Pipeline struct {
	sender     Sender
	chunkBytes int
	metrics    *observe.Metrics
	conv       audio.FormatConverter
	pending    []byte
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithChunkSamples sets the uplink chunk size. Defaults to [DefaultChunkSamples].
func WithChunkSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkBytes = n * 2
		}
	}
}

// WithMetrics counts sent and dropped chunks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a pipeline forwarding to sender.
func New(sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender:     sender,
		chunkBytes: DefaultChunkSamples * 2,
		conv:       audio.FormatConverter{Target: audio.Format{SampleRate: UplinkRate, Channels: 1}},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run forwards blocks from in until ctx ends or the stream closes. It never
// returns an error for a closed transport; those chunks are dropped.
func (p *Pipeline) Run(ctx context.Context, in audio.InputStream) error {
	format := in.Format()
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-in.Blocks():
			if !ok {
				return nil
			}
			p.Push(ctx, block, format)
		}
	}
}

// Push processes one block of interleaved samples in the given format and
// emits every complete chunk it produces.
func (p *Pipeline) Push(ctx context.Context, block []float32, format audio.Format) {
	frame := p.conv.Convert(audio.AudioFrame{
		Data:       audio.FloatToPCM16(block),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	})
	p.pending = append(p.pending, frame.Data...)

	for len(p.pending) >= p.chunkBytes {
		chunk := p.pending[:p.chunkBytes]
		p.emit(ctx, chunk)
		p.pending = p.pending[p.chunkBytes:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

func (p *Pipeline) emit(ctx context.Context, chunk []byte) {
	if !p.sender.Open() {
		p.record(ctx, observe.ResultDropped)
		return
	}
	msg, err := protocol.AudioChunk(chunk)
	if err != nil {
		slog.Warn("capture: encode chunk", "err", err)
		p.record(ctx, observe.ResultDropped)
		return
	}
	if err := p.sender.Send(ctx, msg); err != nil {
		slog.Debug("capture: chunk not sent", "err", err)
		p.record(ctx, observe.ResultDropped)
		return
	}
	p.record(ctx, observe.ResultSent)
}

func (p *Pipeline) record(ctx context.Context, result string) {
	if p.metrics != nil {
		p.metrics.RecordCapture(ctx, result)
	}
}
