// Package audiotest provides an in-memory audio backend for tests.
package audiotest

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/pitchcap/internal/audio"
)

// Device is a scripted device. Rates lists what IsFormatSupported accepts.
type Device struct {
	audio.DeviceDescriptor
	Rates []float64
}

// Mic returns an input device that accepts the given rates.
func Mic(name string, defaultRate float64, rates ...float64) Device {
	return Device{
		DeviceDescriptor: audio.DeviceDescriptor{
			Name:                   name,
			HostAPI:                "Fake",
			DefaultSampleRate:      defaultRate,
			DefaultLowInputLatency: 10 * time.Millisecond,
			MinInputLatency:        5 * time.Millisecond,
			MaxInputChannels:       1,
		},
		Rates: rates,
	}
}

// Speaker returns an output-only device.
func Speaker(name string) Device {
	return Device{
		DeviceDescriptor: audio.DeviceDescriptor{
			Name:              name,
			HostAPI:           "Fake",
			DefaultSampleRate: 48000,
		},
	}
}

// Failures injects errors into backend operations.
type Failures struct {
	DeviceCount error
	Open        error
	Start       error
	Stop        error
	Close       error
}

// Backend implements audio.Backend. Device indices are slice positions.
type Backend struct {
	mu           sync.Mutex
	devices      []Device
	defaultIndex int
	fail         Failures
	pump         time.Duration
	streams      []*Stream
	closed       bool
}

// New creates a backend whose default input is the first input device.
func New(devices ...Device) *Backend {
	b := &Backend{defaultIndex: -1}
	b.SetDevices(devices...)
	return b
}

// SetDevices replaces the device list and resets the default to the first
// input device.
func (b *Backend) SetDevices(devices ...Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.devices = slices.Clone(devices)
	b.defaultIndex = slices.IndexFunc(b.devices, func(d Device) bool {
		return d.MaxInputChannels > 0
	})
}

// SetDefault sets the default input index; -1 means none.
func (b *Backend) SetDefault(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultIndex = index
}

// SetFailures configures injected errors for subsequent calls.
func (b *Backend) SetFailures(f Failures) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = f
}

// Pump makes streams opened afterwards deliver silent buffers every period
// from a background goroutine, like a real audio thread. Zero disables it.
func (b *Backend) Pump(period time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pump = period
}

// Streams returns every stream opened so far.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.streams)
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) DeviceCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail.DeviceCount != nil {
		return 0, b.fail.DeviceCount
	}
	return len(b.devices), nil
}

func (b *Backend) DeviceInfo(index int) (audio.DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.devices) {
		return audio.DeviceDescriptor{}, fmt.Errorf("invalid device index %d", index)
	}
	return b.devices[index].DeviceDescriptor, nil
}

func (b *Backend) DefaultInputDevice() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defaultIndex < 0 {
		return -1, audio.ErrNoDefaultDevice
	}
	return b.defaultIndex, nil
}

func (b *Backend) IsFormatSupported(p audio.StreamParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Device < 0 || p.Device >= len(b.devices) {
		return fmt.Errorf("invalid device index %d", p.Device)
	}
	if !slices.Contains(b.devices[p.Device].Rates, p.SampleRate) {
		return errors.New("invalid sample rate")
	}
	return nil
}

func (b *Backend) OpenStream(p audio.StreamParams, cb audio.Callback) (audio.NativeStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail.Open != nil {
		return nil, b.fail.Open
	}
	if p.Device < 0 || p.Device >= len(b.devices) {
		return nil, fmt.Errorf("invalid device index %d", p.Device)
	}

	s := &Stream{
		Params: p,
		cb:     cb,
		fail:   b.fail,
		pump:   b.pump,
		done:   make(chan struct{}),
	}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Stream implements audio.NativeStream.
type Stream struct {
	Params audio.StreamParams

	cb   audio.Callback
	fail Failures
	pump time.Duration

	mu       sync.Mutex
	started  bool
	stopped  bool
	aborted  bool
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	finished    atomic.Bool
	invocations atomic.Int64
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail.Start != nil {
		return s.fail.Start
	}
	s.started = true
	if s.pump > 0 {
		s.wg.Add(1)
		go s.run()
	}
	return nil
}

func (s *Stream) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pump)
	defer ticker.Stop()

	buf := make([]float32, max(s.Params.FramesPerBuffer, 1))
	var clock time.Duration
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			clock += s.pump
			ti := audio.CallbackTimeInfo{
				InputBufferADCTime: clock,
				CurrentTime:        clock + 2*time.Millisecond,
			}
			if s.Deliver(buf, ti, 0) != audio.Continue {
				return
			}
		}
	}
}

// Deliver invokes the stream callback as the backend audio thread would.
// Once the callback returns Complete or Abort, further deliveries are
// ignored and the stream reports inactive.
func (s *Stream) Deliver(in []float32, ti audio.CallbackTimeInfo, flags audio.StatusFlags) audio.CallbackResult {
	if s.finished.Load() {
		return audio.Complete
	}
	s.invocations.Add(1)
	res := s.cb(in, ti, flags)
	if res != audio.Continue {
		s.finished.Store(true)
	}
	return res
}

func (s *Stream) halt() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Stream) Stop() error {
	if s.fail.Stop != nil {
		return s.fail.Stop
	}
	s.halt()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Stream) Abort() error {
	s.halt()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *Stream) Close() error {
	s.halt()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.fail.Close != nil {
		return s.fail.Close
	}
	return nil
}

func (s *Stream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && !s.aborted && !s.closed && !s.finished.Load()
}

func (s *Stream) Info() audio.StreamInfo {
	return audio.StreamInfo{SampleRate: s.Params.SampleRate, InputLatency: s.Params.Latency}
}

// Invocations counts callback deliveries.
func (s *Stream) Invocations() int64 { return s.invocations.Load() }

// WasAborted reports whether Abort was called.
func (s *Stream) WasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// WasClosed reports whether Close was called.
func (s *Stream) WasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
