// Package malgodev implements [audio.Microphone] and [audio.Speaker] on the
// system's default devices through miniaudio (github.com/gen2brain/malgo).
//
// The device code needs cgo and is only compiled with the malgo build tag:
//
//	go build -tags malgo ./cmd/voicechat
//
// Without the tag the package only exposes error classification.
package malgodev

import (
	"fmt"
	"strings"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// deviceErrors maps fragments of miniaudio result messages to the device
// errors callers classify on. Order matters: the first match wins.
var deviceErrors = []struct {
	fragments []string
	err       error
}{
	{[]string{"access denied", "permission"}, audio.ErrPermissionDenied},
	{[]string{"busy", "in use"}, audio.ErrDeviceBusy},
	{[]string{"no device", "device not found", "does not exist", "no backend"}, audio.ErrDeviceNotFound},
}

// classify wraps err with the matching device error, keeping the original
// message.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, de := range deviceErrors {
		for _, f := range de.fragments {
			if strings.Contains(msg, f) {
				return fmt.Errorf("malgodev: %s: %w: %w", op, de.err, err)
			}
		}
	}
	return fmt.Errorf("malgodev: %s: %w", op, err)
}
