//go:build !(cgo && malgo)

package main

import "github.com/pranicsoil/fieldvoice/pkg/audio"

func newSystemDevices() (audio.Microphone, audio.Speaker, func() error, error) {
	return nil, nil, nil, errNoSystemAudio
}
