// Package portaudio implements the capture backend on top of PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/petems/pitchcap/internal/audio"
)

var _ audio.Backend = (*Backend)(nil)

// Backend is an initialized PortAudio host. Close terminates PortAudio.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initializes PortAudio.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %w", audio.ErrInitializationFailure, err)
	}
	return &Backend{}, nil
}

// DeviceCount returns the number of devices PortAudio reports, inputs and
// outputs alike.
func (b *Backend) DeviceCount() (int, error) {
	devices, err := pa.Devices()
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

// DeviceInfo describes the device at index in PortAudio's device list.
func (b *Backend) DeviceInfo(index int) (audio.DeviceDescriptor, error) {
	d, err := device(index)
	if err != nil {
		return audio.DeviceDescriptor{}, err
	}
	return describe(d), nil
}

// DefaultInputDevice returns the list index of the host's default input,
// or ErrNoDefaultDevice when there is none.
func (b *Backend) DefaultInputDevice() (int, error) {
	def, err := pa.DefaultInputDevice()
	if err != nil || def == nil {
		return -1, audio.ErrNoDefaultDevice
	}

	devices, err := pa.Devices()
	if err != nil {
		return -1, err
	}
	for i, d := range devices {
		if sameDevice(d, def) {
			return i, nil
		}
	}
	return -1, audio.ErrNoDefaultDevice
}

// IsFormatSupported reports whether an input stream with p can be opened.
// A nil error means supported.
func (b *Backend) IsFormatSupported(p audio.StreamParams) error {
	params, err := streamParameters(p)
	if err != nil {
		return err
	}
	return pa.IsFormatSupported(params, make([]float32, 0))
}

// OpenStream opens a mono float32 input stream that hands every buffer to
// cb on PortAudio's audio thread. The stream is not started.
func (b *Backend) OpenStream(p audio.StreamParams, cb audio.Callback) (audio.NativeStream, error) {
	params, err := streamParameters(p)
	if err != nil {
		return nil, err
	}

	s := &stream{cb: cb}
	native, err := pa.OpenStream(params, s.process)
	if err != nil {
		return nil, err
	}
	s.native = native
	return s, nil
}

// Close terminates PortAudio. Later calls do nothing.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return pa.Terminate()
}

// stream adapts a PortAudio stream. The Go binding cannot return
// paComplete or paAbort from the callback, so a non-Continue result makes
// the adapter drop later buffers and report the stream inactive.
type stream struct {
	native   *pa.Stream
	cb       audio.Callback
	started  atomic.Bool
	finished atomic.Bool
}

func (s *stream) process(in []float32, ti pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	if s.finished.Load() {
		return
	}
	if len(in) == 0 {
		in = nil
	}
	res := s.cb(in, audio.CallbackTimeInfo{
		InputBufferADCTime: ti.InputBufferAdcTime,
		CurrentTime:        ti.CurrentTime,
	}, convertFlags(flags))
	if res != audio.Continue {
		s.finished.Store(true)
	}
}

// Start clears any earlier Complete or Abort result and starts the stream.
func (s *stream) Start() error {
	s.finished.Store(false)
	if err := s.native.Start(); err != nil {
		return err
	}
	s.started.Store(true)
	return nil
}

func (s *stream) Stop() error {
	s.started.Store(false)
	return s.native.Stop()
}

func (s *stream) Abort() error {
	s.started.Store(false)
	return s.native.Abort()
}

func (s *stream) Close() error {
	s.started.Store(false)
	return s.native.Close()
}

// IsActive is false once the callback asked to finish, even though
// PortAudio keeps the stream running until Stop.
func (s *stream) IsActive() bool {
	return s.started.Load() && !s.finished.Load()
}

func (s *stream) Info() audio.StreamInfo {
	info := s.native.Info()
	if info == nil {
		return audio.StreamInfo{}
	}
	return audio.StreamInfo{SampleRate: info.SampleRate, InputLatency: info.InputLatency}
}

func device(index int) (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(devices) {
		return nil, errors.New("invalid device index")
	}
	return devices[index], nil
}

func describe(d *pa.DeviceInfo) audio.DeviceDescriptor {
	hostAPI := ""
	if d.HostApi != nil {
		hostAPI = d.HostApi.Name
	}
	return audio.DeviceDescriptor{
		Name:                   d.Name,
		HostAPI:                hostAPI,
		DefaultSampleRate:      d.DefaultSampleRate,
		DefaultLowInputLatency: d.DefaultLowInputLatency,
		MinInputLatency:        d.DefaultLowInputLatency,
		MaxInputChannels:       d.MaxInputChannels,
	}
}

func sameDevice(a, b *pa.DeviceInfo) bool {
	if a == b {
		return true
	}
	if a.Name != b.Name || (a.HostApi == nil) != (b.HostApi == nil) {
		return false
	}
	return a.HostApi == nil || a.HostApi.Name == b.HostApi.Name
}

func streamParameters(p audio.StreamParams) (pa.StreamParameters, error) {
	d, err := device(p.Device)
	if err != nil {
		return pa.StreamParameters{}, err
	}
	return pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   d,
			Channels: p.Channels,
			Latency:  p.Latency,
		},
		SampleRate:      p.SampleRate,
		FramesPerBuffer: p.FramesPerBuffer,
		Flags:           convertStreamFlags(p.Flags),
	}, nil
}

func convertStreamFlags(f audio.StreamFlags) pa.StreamFlags {
	var out pa.StreamFlags
	if f&audio.ClipOff != 0 {
		out |= pa.ClipOff
	}
	if f&audio.DitherOff != 0 {
		out |= pa.DitherOff
	}
	return out
}

func convertFlags(f pa.StreamCallbackFlags) audio.StatusFlags {
	var out audio.StatusFlags
	if f&pa.InputUnderflow != 0 {
		out |= audio.InputUnderflow
	}
	if f&pa.InputOverflow != 0 {
		out |= audio.InputOverflow
	}
	if f&pa.OutputUnderflow != 0 {
		out |= audio.OutputUnderflow
	}
	if f&pa.OutputOverflow != 0 {
		out |= audio.OutputOverflow
	}
	if f&pa.PrimingOutput != 0 {
		out |= audio.PrimingOutput
	}
	return out
}
