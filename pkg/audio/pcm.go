package audio

import (
	"errors"
	"math"
)

// ErrOddLength is returned when PCM16 input does not hold a whole number of
// samples.
var ErrOddLength = errors.New("audio: PCM16 data has odd byte length")

// FloatToPCM16 converts float samples to little-endian int16. Samples are
// clamped to [-1, 1]; negative values scale by 32768 and positive values by
// 32767 so both extremes map exactly onto the int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample16(out, i, floatToInt16(s))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// PCM16ToFloat converts little-endian int16 samples to floats in [-1, 1),
// dividing by 32768.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sample16(pcm, i)) / 32768
	}
	return out, nil
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
