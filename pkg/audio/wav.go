package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/youpy/go-wav"
)

// ErrNotWAV is returned by [DecodeWAV] for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavHeaderSize  = 44
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// WAVInfo is the format chunk of a decoded WAV container.
type WAVInfo struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// DecodeWAV parses a RIFF/WAVE container holding mono or stereo 8/16/24/32-bit
// integer PCM or 32-bit float samples and returns them down-mixed to mono.
func DecodeWAV(data []byte) (Buffer, WAVInfo, error) {
	if !IsWAV(data) {
		return Buffer{}, WAVInfo{}, ErrNotWAV
	}

	r := wav.NewReader(bytes.NewReader(data))
	f, err := r.Format()
	if err != nil {
		return Buffer{}, WAVInfo{}, fmt.Errorf("audio: wav format: %w", err)
	}
	info := WAVInfo{
		Format:        f.AudioFormat,
		Channels:      int(f.NumChannels),
		SampleRate:    int(f.SampleRate),
		BitsPerSample: int(f.BitsPerSample),
	}
	if err := checkWAVFormat(info, int(f.BlockAlign)); err != nil {
		return Buffer{}, info, err
	}

	var samples []float32
	if info.BitsPerSample == 8 {
		samples, err = readUnsigned8(r, info.Channels)
	} else {
		samples, err = readSamples(r, info.Channels)
	}
	if err != nil {
		return Buffer{}, info, fmt.Errorf("audio: wav data: %w", err)
	}
	return Buffer{Samples: samples, SampleRate: info.SampleRate}, info, nil
}

func checkWAVFormat(info WAVInfo, blockAlign int) error {
	switch {
	case info.Channels <= 0 || info.Channels > 2 || info.SampleRate <= 0:
		return fmt.Errorf("audio: wav unsupported layout %s", formatString(info.SampleRate, info.Channels))
	case blockAlign != info.Channels*info.BitsPerSample/8:
		return fmt.Errorf("audio: wav block align %d does not match %d-bit %d-channel frames", blockAlign, info.BitsPerSample, info.Channels)
	case info.Format == wavFormatPCM && slices.Contains([]int{8, 16, 24, 32}, info.BitsPerSample):
		return nil
	case info.Format == wavFormatFloat && info.BitsPerSample == 32:
		return nil
	}
	return fmt.Errorf("audio: wav unsupported encoding (format %d, %d bits)", info.Format, info.BitsPerSample)
}

// readSamples drains r through go-wav's sample decoder, averaging channels.
func readSamples(r *wav.Reader, channels int) ([]float32, error) {
	var out []float32
	for {
		block, err := r.ReadSamples()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for _, s := range block {
			var sum float64
			for ch := range channels {
				sum += r.FloatValue(s, uint(ch))
			}
			out = append(out, float32(sum/float64(channels)))
		}
	}
}

// readUnsigned8 handles offset-binary 8-bit PCM from the raw data chunk.
func readUnsigned8(r *wav.Reader, channels int) ([]float32, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/channels)
	for i := range out {
		var sum float32
		for ch := range channels {
			sum += (float32(raw[i*channels+ch]) - 128) / 128
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

// EncodeWAV wraps mono PCM16 data in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	writeWAVHeader(&buf, sampleRate, 1, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeWAVHeader(w io.Writer, sampleRate, channels int, dataSize uint32) {
	le := binary.LittleEndian
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], 16)
	le.PutUint16(h[20:22], wavFormatPCM)
	le.PutUint16(h[22:24], uint16(channels))
	le.PutUint32(h[24:28], uint32(sampleRate))
	le.PutUint32(h[28:32], uint32(sampleRate*channels*2))
	le.PutUint16(h[32:34], uint16(channels*2))
	le.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	le.PutUint32(h[40:44], dataSize)
	_, _ = w.Write(h)
}

// WAVWriter streams mono PCM16 into a WAV file, patching the header sizes on
// Close.
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	written    uint32
	closed     bool
}

// NewWAVWriter writes a provisional header to w and returns a writer for
// samples at sampleRate.
func NewWAVWriter(w io.WriteSeeker, sampleRate int) (*WAVWriter, error) {
	var hdr bytes.Buffer
	writeWAVHeader(&hdr, sampleRate, 1, 0)
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	return &WAVWriter{w: w, sampleRate: sampleRate}, nil
}

// SampleRate returns the rate the file is being written at.
func (ww *WAVWriter) SampleRate() int { return ww.sampleRate }

// WriteSamples appends float samples converted to PCM16.
func (ww *WAVWriter) WriteSamples(samples []float32) error {
	if ww.closed {
		return errors.New("audio: wav writer closed")
	}
	n, err := ww.w.Write(FloatToPCM16(samples))
	ww.written += uint32(n)
	if err != nil {
		return fmt.Errorf("audio: write wav samples: %w", err)
	}
	return nil
}

// Close rewrites the header with the final sizes. It does not close the
// underlying writer.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("audio: seek wav header: %w", err)
	}
	var hdr bytes.Buffer
	writeWAVHeader(&hdr, ww.sampleRate, 1, ww.written)
	if _, err := ww.w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("audio: patch wav header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
