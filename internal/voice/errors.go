package voice

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/pranicsoil/fieldvoice/pkg/audio"
)

// Error taxonomy. Components wrap these with context; callers match with
// [errors.Is]. The device errors alias the ones in pkg/audio so adapter
// errors classify without translation.
var (
	ErrPermissionDenied = audio.ErrPermissionDenied
	ErrNoMicrophone     = audio.ErrDeviceNotFound
	ErrMicrophoneBusy   = audio.ErrDeviceBusy

	ErrUnsupportedEnvironment = errors.New("this environment does not support microphone access; use a supported audio device")
	ErrInsecureContext        = errors.New("microphone access requires a secure connection (HTTPS) or localhost")
	ErrConfiguration          = errors.New("invalid voice session configuration")
	ErrBrokerRequestFailed    = errors.New("failed to obtain a voice session from the broker")
	ErrTransport              = errors.New("voice connection error")
	ErrDecode                 = errors.New("failed to decode audio frame")
)

// CheckSecureOrigin accepts https/wss origins anywhere and plain http/ws only
// on loopback hosts.
func CheckSecureOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid broker URL %q", ErrConfiguration, origin)
	}
	switch u.Scheme {
	case "https", "wss":
		return nil
	case "http", "ws":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInsecureContext, u.Host)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrConfiguration, u.Scheme)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
