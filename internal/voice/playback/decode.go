package playback

import (
	"errors"
	"fmt"

	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// Decode turns one agent audio frame into a playable buffer. Frames are
// expected to be raw little-endian PCM16 mono at rate; anything that cannot
// be read that way (empty, odd length, or carrying a RIFF/WAVE header) is
// retried as a WAV container. If both fail the error wraps
// [voice.ErrDecode].
func Decode(frame []byte, rate int) (audio.Buffer, error) {
	pcmErr := pcmUsable(frame)
	if pcmErr == nil {
		samples, err := audio.PCM16ToFloat(frame)
		if err == nil {
			return audio.Buffer{Samples: samples, SampleRate: rate}, nil
		}
		pcmErr = err
	}

	buf, _, wavErr := audio.DecodeWAV(frame)
	if wavErr == nil && len(buf.Samples) > 0 {
		return buf, nil
	}
	if wavErr == nil {
		wavErr = errors.New("empty container")
	}
	return audio.Buffer{}, fmt.Errorf("playback: %w: pcm: %v; container: %v", voice.ErrDecode, pcmErr, wavErr)
}

func pcmUsable(frame []byte) error {
	switch {
	case len(frame) == 0:
		return errors.New("empty frame")
	case audio.IsWAV(frame):
		return errors.New("frame carries a RIFF/WAVE header")
	case len(frame)%2 != 0:
		return audio.ErrOddLength
	}
	return nil
}
