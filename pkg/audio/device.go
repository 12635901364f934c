// Package audio holds the PCM plumbing and device abstractions shared by the
// voice client: format conversion, PCM16/float conversion, WAV containers and
// the [Microphone] / [Speaker] interfaces that platform adapters implement.
//
// Everything on the wire is little-endian int16 PCM. Devices work in float32
// samples in [-1, 1].
package audio

import (
	"context"
	"errors"
)

// Device errors. Adapters wrap or return these so callers can classify the
// failure with [errors.Is].
var (
	// ErrPermissionDenied means the user or OS refused access to the device.
	ErrPermissionDenied = errors.New("microphone access was denied; allow microphone access in your system settings and try again")

	// ErrDeviceNotFound means no capture device is present.
	ErrDeviceNotFound = errors.New("no microphone found; connect a microphone and try again")

	// ErrDeviceBusy means the device exists but another application holds it.
	ErrDeviceBusy = errors.New("the microphone is being used by another application; close other applications and try again")
)

// Microphone opens capture streams. Implementations must be safe to call
// Open again after a previous stream was stopped.
type Microphone interface {
	// Open starts capture. It returns one of the device errors above when the
	// device cannot be acquired.
	Open(ctx context.Context) (InputStream, error)
}

// InputStream is an open capture. Blocks are interleaved float32 samples in
// the stream's [Format].
type InputStream interface {
	// Format reports the device sample rate and channel count.
	Format() Format

	// Blocks delivers captured sample blocks. The channel is closed after Stop
	// or when the device goes away.
	Blocks() <-chan []float32

	// Stop releases the device. It is idempotent.
	Stop() error
}

// Speaker renders decoded audio.
type Speaker interface {
	// Play renders buf and blocks until it has finished playing or ctx is
	// cancelled, in which case output stops promptly and ctx.Err() is
	// returned.
	Play(ctx context.Context, buf Buffer) error
}
