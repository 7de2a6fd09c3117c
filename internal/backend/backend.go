// Package backend selects a native audio host by name.
package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/backend/miniaudio"
	"github.com/petems/pitchcap/internal/backend/portaudio"
)

const (
	PortAudio = "portaudio"
	MiniAudio = "miniaudio"
)

// ErrUnknownBackend is returned for names not in the registry.
var ErrUnknownBackend = errors.New("unknown audio backend")

var registry = map[string]func() (audio.Backend, error){
	PortAudio: func() (audio.Backend, error) {
		b, err := portaudio.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	},
	MiniAudio: func() (audio.Backend, error) {
		b, err := miniaudio.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	},
}

// Names lists the registered backends in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open initializes the named backend. Names are case-insensitive.
func Open(name string) (audio.Backend, error) {
	open, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	return open()
}
