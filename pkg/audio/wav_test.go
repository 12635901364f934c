package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

func TestDecodeWAV_PCM16Mono(t *testing.T) {
	t.Parallel()

	data := audio.EncodeWAV(samplesToBytes([]int16{0, 16384, -32768}), 24000)
	if !audio.IsWAV(data) {
		t.Fatal("EncodeWAV output not recognised as WAV")
	}

	buf, info, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != 24000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("info = %+v", info)
	}
	want := []float32{0, 0.5, -1}
	if len(buf.Samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(buf.Samples), len(want))
	}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, buf.Samples[i], want[i])
		}
	}
}

// buildWAV assembles a container by hand so that non-canonical layouts can be
// exercised.
func buildWAV(format uint16, channels, rate, bits int, payload []byte, extra ...[]byte) []byte {
	le := binary.LittleEndian
	fmtChunk := make([]byte, 24)
	copy(fmtChunk, "fmt ")
	le.PutUint32(fmtChunk[4:], 16)
	le.PutUint16(fmtChunk[8:], format)
	le.PutUint16(fmtChunk[10:], uint16(channels))
	le.PutUint32(fmtChunk[12:], uint32(rate))
	le.PutUint32(fmtChunk[16:], uint32(rate*channels*bits/8))
	le.PutUint16(fmtChunk[20:], uint16(channels*bits/8))
	le.PutUint16(fmtChunk[22:], uint16(bits))

	body := []byte("WAVE")
	body = append(body, fmtChunk...)
	for _, c := range extra {
		body = append(body, c...)
	}
	dataHdr := make([]byte, 8)
	copy(dataHdr, "data")
	le.PutUint32(dataHdr[4:], uint32(len(payload)))
	body = append(body, dataHdr...)
	body = append(body, payload...)

	out := make([]byte, 8)
	copy(out, "RIFF")
	le.PutUint32(out[4:], uint32(len(body)))
	return append(out, body...)
}

func TestDecodeWAV_Variants(t *testing.T) {
	t.Parallel()

	floatPayload := make([]byte, 8)
	binary.LittleEndian.PutUint32(floatPayload[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(floatPayload[4:], math.Float32bits(-0.75))

	listChunk := []byte("LIST\x04\x00\x00\x00INFO")

	tests := []struct {
		name string
		data []byte
		rate int
		want []float32
	}{
		{
			name: "stereo pcm16 downmixed",
			data: buildWAV(1, 2, 48000, 16, samplesToBytes([]int16{16384, -16384, 16384, 16384})),
			rate: 48000,
			want: []float32{0, 0.5},
		},
		{
			name: "float32 mono",
			data: buildWAV(3, 1, 16000, 32, floatPayload),
			rate: 16000,
			want: []float32{0.25, -0.75},
		},
		{
			name: "unsigned 8 bit",
			data: buildWAV(1, 1, 8000, 8, []byte{128, 192, 0}),
			rate: 8000,
			want: []float32{0, 0.5, -1},
		},
		{
			name: "extra chunk before data",
			data: buildWAV(1, 1, 22050, 16, samplesToBytes([]int16{16384}), listChunk),
			rate: 22050,
			want: []float32{0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf, _, err := audio.DecodeWAV(tt.data)
			if err != nil {
				t.Fatalf("DecodeWAV: %v", err)
			}
			if buf.SampleRate != tt.rate {
				t.Errorf("rate = %d, want %d", buf.SampleRate, tt.rate)
			}
			if len(buf.Samples) != len(tt.want) {
				t.Fatalf("got %d samples, want %d", len(buf.Samples), len(tt.want))
			}
			for i := range tt.want {
				if math.Abs(float64(buf.Samples[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d: got %v, want %v", i, buf.Samples[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.DecodeWAV([]byte("not audio at all")); !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("plain bytes: err = %v, want ErrNotWAV", err)
	}
	if _, _, err := audio.DecodeWAV(buildWAV(2, 1, 16000, 4, []byte{1, 2})); err == nil {
		t.Error("ADPCM: expected error")
	}
	if _, _, err := audio.DecodeWAV(buildWAV(1, 4, 16000, 16, make([]byte, 16))); err == nil {
		t.Error("four channels: expected error")
	}
	noData := []byte("RIFF\x04\x00\x00\x00WAVE")
	if _, _, err := audio.DecodeWAV(noData); err == nil {
		t.Error("header only: expected error")
	}
}

func TestWAVWriter_PatchesHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := audio.NewWAVWriter(f, 24000)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSamples([]float32{0.5, -0.5}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSamples([]float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	buf, info, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != 24000 || len(buf.Samples) != 3 {
		t.Fatalf("decoded %d samples at %d Hz", len(buf.Samples), info.SampleRate)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 6 {
		t.Errorf("data size = %d, want 6", got)
	}
}

func TestBufferWindow(t *testing.T) {
	t.Parallel()

	buf := audio.Buffer{Samples: make([]float32, 1000), SampleRate: 1000}
	if got := buf.Duration(); got != time.Second {
		t.Errorf("Duration = %v", got)
	}
	if got := len(buf.Window(0, 100*time.Millisecond)); got != 100 {
		t.Errorf("first window = %d samples, want 100", got)
	}
	if got := len(buf.Window(950*time.Millisecond, 100*time.Millisecond)); got != 50 {
		t.Errorf("tail window = %d samples, want 50", got)
	}
	if got := buf.Window(2*time.Second, 100*time.Millisecond); got != nil {
		t.Errorf("past end window = %v, want nil", got)
	}
}
