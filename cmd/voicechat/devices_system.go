//go:build cgo && malgo

package main

import (
	"github.com/pranicsoil/fieldvoice/pkg/audio"
	"github.com/pranicsoil/fieldvoice/pkg/audio/malgodev"
)

func newSystemDevices() (audio.Microphone, audio.Speaker, func() error, error) {
	h, err := malgodev.New()
	if err != nil {
		return nil, nil, nil, err
	}
	return h, h, h.Close, nil
}
