package malgodev

import (
	"errors"
	"testing"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "access denied", err: errors.New("Access denied"), want: audio.ErrPermissionDenied},
		{name: "busy", err: errors.New("device busy"), want: audio.ErrDeviceBusy},
		{name: "no device", err: errors.New("no device"), want: audio.ErrDeviceNotFound},
		{name: "no backend", err: errors.New("no backend"), want: audio.ErrDeviceNotFound},
		{name: "other", err: errors.New("format not supported"), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify("open capture", tt.err)
			if !errors.Is(got, tt.err) {
				t.Errorf("classify(%v) = %v, lost the original error", tt.err, got)
			}
			for _, de := range []error{audio.ErrPermissionDenied, audio.ErrDeviceBusy, audio.ErrDeviceNotFound} {
				if errors.Is(got, de) != (de == tt.want) {
					t.Errorf("classify(%v) = %v; errors.Is(%v) = %v", tt.err, got, de, errors.Is(got, de))
				}
			}
		})
	}

	if classify("open", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
