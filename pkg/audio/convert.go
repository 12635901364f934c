package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// FormatConverter brings PCM16 frames to a target format. It logs once on the
// first mismatch and once on misaligned input.
// Create one per stream; not safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. Matching frames are returned
// unchanged. Down-mixing runs before resampling so the resampler only ever
// touches the smaller channel count.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM16 data, dropping frame",
				"bytes", len(frame.Data),
				"format", formatString(frame.SampleRate, channels),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream",
			"from", formatString(frame.SampleRate, channels),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if channels > 1 && c.Target.Channels == 1 {
		pcm = Downmix16(pcm, channels)
		channels = 1
	}

	if frame.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = interleave(resampleChannels(pcm, channels, frame.SampleRate, c.Target.SampleRate))
		}
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L and R of each stereo frame.
func StereoToMono(pcm []byte) []byte { return Downmix16(pcm, 2) }

// Downmix16 averages every interleaved group of channels samples into one
// mono sample. Trailing partial groups are discarded.
func Downmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sample16(pcm, i*channels+ch))
		}
		putSample16(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample16(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample16(pcm, idx+1)
		}
		putSample16(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// resampleChannels splits interleaved PCM into per-channel planes and
// resamples each one.
func resampleChannels(pcm []byte, channels, srcRate, dstRate int) [][]byte {
	frames := len(pcm) / (2 * channels)
	planes := make([][]byte, channels)
	for ch := range channels {
		plane := make([]byte, frames*2)
		for i := range frames {
			putSample16(plane, i, sample16(pcm, i*channels+ch))
		}
		planes[ch] = ResampleMono16(plane, srcRate, dstRate)
	}
	return planes
}

func interleave(planes [][]byte) []byte {
	if len(planes) == 0 {
		return nil
	}
	frames := len(planes[0]) / 2
	out := make([]byte, frames*2*len(planes))
	for i := range frames {
		for ch, plane := range planes {
			putSample16(out, i*len(planes)+ch, sample16(plane, i))
		}
	}
	return out
}

func sample16(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample16(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// formatString renders a format such as "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
