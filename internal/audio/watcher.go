package audio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kelindar/event"
	"github.com/rs/zerolog"
)

// DeviceEnumerator produces the current device list.
type DeviceEnumerator interface {
	Enumerate() ([]Device, error)
}

// StreamController is the part of a CaptureStream the watcher drives when
// the selected device disappears.
type StreamController interface {
	SelectedDevice() (int, bool)
	IsOpen() bool
	Stop()
	ClearDevice() error
}

// WatcherOptions configures a DeviceChangeWatcher.
type WatcherOptions struct {
	Enumerator DeviceEnumerator
	// Stream is optional; without it the watcher only reports changes.
	Stream     StreamController
	Dispatcher *event.Dispatcher
	Logger     zerolog.Logger
}

// DeviceChangeWatcher re-enumerates devices, diffs the result against the
// previous snapshot and reacts to changes.
type DeviceChangeWatcher struct {
	enum   DeviceEnumerator
	stream StreamController
	events *event.Dispatcher
	log    zerolog.Logger

	mu   sync.Mutex
	last []Device
}

// NewDeviceChangeWatcher takes the initial snapshot.
func NewDeviceChangeWatcher(opts WatcherOptions) (*DeviceChangeWatcher, error) {
	devices, err := opts.Enumerator.Enumerate()
	if err != nil {
		return nil, err
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = event.NewDispatcher()
	}

	return &DeviceChangeWatcher{
		enum:   opts.Enumerator,
		stream: opts.Stream,
		events: dispatcher,
		log:    opts.Logger,
		last:   devices,
	}, nil
}

// Devices returns the last known device list.
func (w *DeviceChangeWatcher) Devices() []Device {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Device, len(w.last))
	for i, d := range w.last {
		out[i] = d.clone()
	}
	return out
}

// SetStream replaces the controller stopped on removal. A nil controller
// turns the removal reaction off.
func (w *DeviceChangeWatcher) SetStream(c StreamController) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stream = c
}

// Subscribe registers fn to receive the full device list after every
// change. fn runs on a dispatcher goroutine and must treat the slice as
// read-only. The returned function unsubscribes.
func (w *DeviceChangeWatcher) Subscribe(fn func([]Device)) func() {
	return OnDeviceListChange(w.events, func(e DeviceListChangedEvent) {
		fn(e.Devices)
	})
}

// Poll re-enumerates once. It reports whether the list changed. When the
// selected device vanished while a stream is open, the stream is stopped
// and the selection cleared before subscribers are notified.
func (w *DeviceChangeWatcher) Poll() (bool, error) {
	current, err := w.enum.Enumerate()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	changed := deviceListChanged(w.last, current)
	if changed {
		w.last = current
	}
	w.mu.Unlock()

	if !changed {
		return false, nil
	}

	w.log.Info().Int("devices", len(current)).Msg("Audio device list has changed")
	w.handleRemoval(current)

	event.Publish(w.events, DeviceListChangedEvent{
		Devices:   slices.Clone(current),
		Timestamp: time.Now(),
	})
	return true, nil
}

// Run polls every interval until ctx is cancelled.
func (w *DeviceChangeWatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				w.log.Error().Err(err).Msg("Device poll failed")
			}
		}
	}
}

func (w *DeviceChangeWatcher) handleRemoval(current []Device) {
	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()

	if stream == nil {
		return
	}
	index, ok := stream.SelectedDevice()
	if !ok {
		return
	}
	if slices.ContainsFunc(current, func(d Device) bool { return d.Index == index }) {
		return
	}
	if !stream.IsOpen() {
		return
	}

	w.log.Warn().Int("index", index).Msg("Current audio device has been disconnected")
	stream.Stop()
	if err := stream.ClearDevice(); err != nil {
		w.log.Error().Err(err).Msg("Failed to clear disconnected device")
	}
}

// deviceListChanged compares by position, index and name only.
func deviceListChanged(prev, cur []Device) bool {
	if len(prev) != len(cur) {
		return true
	}
	for i := range cur {
		if prev[i].Index != cur[i].Index || prev[i].Name != cur[i].Name {
			return true
		}
	}
	return false
}
