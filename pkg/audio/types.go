package audio

import "time"

// AudioFrame is a block of little-endian int16 PCM together with the format
// it was captured or decoded at.
type AudioFrame struct {
	// Data holds interleaved PCM16 samples.
	Data []byte

	// SampleRate in Hz (16000 on the uplink, 24000 for agent speech by default).
	SampleRate int

	// Channels is 1 for mono; device captures may deliver 2 or more.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration reports how long the frame plays at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is decoded mono audio ready to hand to a [Speaker].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Window returns the samples that play between from and from+width, clipped
// to the buffer bounds. It returns nil once from is past the end.
func (b Buffer) Window(from, width time.Duration) []float32 {
	if b.SampleRate <= 0 || from < 0 {
		return nil
	}
	start := int(int64(from) * int64(b.SampleRate) / int64(time.Second))
	end := start + int(int64(width)*int64(b.SampleRate)/int64(time.Second))
	if start >= len(b.Samples) {
		return nil
	}
	end = min(end, len(b.Samples))
	return b.Samples[start:end]
}
