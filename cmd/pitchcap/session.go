package main

import (
	"github.com/kelindar/event"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/backend"
)

// session holds one initialized backend and the objects built on it.
type session struct {
	backend audio.Backend
	events  *event.Dispatcher
	catalog *audio.DeviceCatalog
	stream  *audio.CaptureStream
}

func (e *env) openSession() (*session, error) {
	b, err := backend.Open(e.cfg.Audio.Backend)
	if err != nil {
		e.log.Error().Err(err).Str("backend", e.cfg.Audio.Backend).Msg("Failed to initialize audio backend")
		return nil, err
	}

	events := audio.NewDispatcher()
	catalog := audio.NewDeviceCatalog(b, e.log)
	stream := audio.NewCaptureStream(audio.StreamOptions{
		Backend:         b,
		Catalog:         catalog,
		Logger:          e.log,
		Dispatcher:      events,
		RingBufferSize:  e.cfg.Audio.RingBufferSize,
		ShutdownTimeout: e.cfg.Audio.ShutdownTimeout,
	})

	return &session{
		backend: b,
		events:  events,
		catalog: catalog,
		stream:  stream,
	}, nil
}

// newWatcher builds a watcher that only reports changes. app.New attaches
// the removal reaction when capture needs it.
func (s *session) newWatcher(e *env) (*audio.DeviceChangeWatcher, error) {
	return audio.NewDeviceChangeWatcher(audio.WatcherOptions{
		Enumerator: s.catalog,
		Dispatcher: s.events,
		Logger:     e.log,
	})
}

// Close stops any open stream before terminating the backend.
func (s *session) Close() error {
	if err := s.stream.Close(); err != nil {
		return err
	}
	return s.backend.Close()
}
