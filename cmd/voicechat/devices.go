package main

import (
	"errors"

	"github.com/pranicsoil/fieldvoice/internal/config"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
	"github.com/pranicsoil/fieldvoice/pkg/audio/filedev"
)

// errNoSystemAudio is returned for device "system" by binaries built
// without the malgo tag.
var errNoSystemAudio = errors.New("this binary has no system audio support; rebuild with cgo and -tags malgo")

// newDevices builds the configured microphone and speaker and a func
// releasing them.
func newDevices(vc config.VoiceConfig, playbackRate int) (audio.Microphone, audio.Speaker, func() error, error) {
	if vc.Device == config.DeviceSystem {
		return newSystemDevices()
	}
	speaker, err := filedev.NewSpeaker(vc.OutputFile, playbackRate, vc.Realtime)
	if err != nil {
		return nil, nil, nil, err
	}
	return filedev.NewMicrophone(vc.InputFile), speaker, speaker.Close, nil
}
