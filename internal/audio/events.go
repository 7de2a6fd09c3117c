package audio

import (
	"time"

	"github.com/kelindar/event"
)

// Event type identifiers for kelindar/event.
const (
	TypeDeviceListChanged uint32 = iota + 1
	TypeStreamStateChanged
)

// DeviceListChangedEvent carries the complete device list after a change.
type DeviceListChangedEvent struct {
	Devices   []Device
	Timestamp time.Time
}

// Type returns the event type identifier for DeviceListChangedEvent.
func (e DeviceListChangedEvent) Type() uint32 { return TypeDeviceListChanged }

// StreamStateChangedEvent is published on control-plane state transitions.
type StreamStateChangedEvent struct {
	From      StreamState
	To        StreamState
	Err       string
	Timestamp time.Time
}

// Type returns the event type identifier for StreamStateChangedEvent.
func (e StreamStateChangedEvent) Type() uint32 { return TypeStreamStateChanged }

// NewDispatcher creates the event dispatcher shared by a stream and its
// watcher.
func NewDispatcher() *event.Dispatcher {
	return event.NewDispatcher()
}

// OnStateChange subscribes fn to stream state transitions. The returned
// function unsubscribes.
func OnStateChange(d *event.Dispatcher, fn func(StreamStateChangedEvent)) func() {
	return event.Subscribe(d, fn)
}

// OnDeviceListChange subscribes fn to device list changes.
func OnDeviceListChange(d *event.Dispatcher, fn func(DeviceListChangedEvent)) func() {
	return event.Subscribe(d, fn)
}
