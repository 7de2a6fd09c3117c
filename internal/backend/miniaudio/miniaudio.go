// Package miniaudio implements the capture backend on top of miniaudio
// through malgo. Every device is reported as capture-capable and miniaudio
// resamples to whatever rate the stream asks for.
package miniaudio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/petems/pitchcap/internal/audio"
)

const (
	hostAPI           = "miniaudio"
	defaultSampleRate = 48000
	maxChannels       = 2
	defaultPeriod     = 10 * time.Millisecond
)

// Backend wraps an allocated miniaudio context.
type Backend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// New initializes a miniaudio context with the platform's default backends.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize miniaudio: %w", audio.ErrInitializationFailure, err)
	}
	return &Backend{ctx: ctx}, nil
}

func (b *Backend) devices() ([]malgo.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, fmt.Errorf("miniaudio context closed")
	}
	return b.ctx.Devices(malgo.Capture)
}

func (b *Backend) DeviceCount() (int, error) {
	infos, err := b.devices()
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

func (b *Backend) DeviceInfo(index int) (audio.DeviceDescriptor, error) {
	info, err := b.device(index)
	if err != nil {
		return audio.DeviceDescriptor{}, err
	}
	return describe(info), nil
}

func (b *Backend) DefaultInputDevice() (int, error) {
	infos, err := b.devices()
	if err != nil {
		return -1, err
	}
	for i, info := range infos {
		if info.IsDefault != 0 {
			return i, nil
		}
	}
	if len(infos) > 0 {
		return 0, nil
	}
	return -1, audio.ErrNoDefaultDevice
}

func (b *Backend) IsFormatSupported(p audio.StreamParams) error {
	if _, err := b.device(p.Device); err != nil {
		return err
	}
	if p.Channels < 1 || p.Channels > maxChannels {
		return fmt.Errorf("unsupported channel count %d", p.Channels)
	}
	if !supportedRate(p.SampleRate) {
		return fmt.Errorf("unsupported sample rate %.0f", p.SampleRate)
	}
	return nil
}

func (b *Backend) OpenStream(p audio.StreamParams, cb audio.Callback) (audio.NativeStream, error) {
	info, err := b.device(p.Device)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(p.Channels)
	cfg.Capture.DeviceID = info.ID.Pointer()
	cfg.SampleRate = uint32(p.SampleRate)
	cfg.PeriodSizeInFrames = uint32(p.FramesPerBuffer)

	s := &stream{
		cb:         cb,
		sampleRate: p.SampleRate,
		frames:     p.FramesPerBuffer,
		epoch:      time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, fmt.Errorf("miniaudio context closed")
	}
	dev, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.process})
	if err != nil {
		return nil, err
	}
	s.device = dev
	return s, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

func (b *Backend) device(index int) (malgo.DeviceInfo, error) {
	infos, err := b.devices()
	if err != nil {
		return malgo.DeviceInfo{}, err
	}
	if index < 0 || index >= len(infos) {
		return malgo.DeviceInfo{}, fmt.Errorf("invalid device index %d", index)
	}
	return infos[index], nil
}

type stream struct {
	device     *malgo.Device
	cb         audio.Callback
	sampleRate float64
	frames     int
	epoch      time.Time
	finished   atomic.Bool
}

func (s *stream) process(_, in []byte, frameCount uint32) {
	if s.finished.Load() {
		return
	}
	now := time.Since(s.epoch)
	adc := now - periodLatency(int(frameCount), s.sampleRate)
	if adc < 0 {
		adc = 0
	}

	res := s.cb(float32Samples(in), audio.CallbackTimeInfo{
		InputBufferADCTime: adc,
		CurrentTime:        now,
	}, 0)
	if res != audio.Continue {
		s.finished.Store(true)
	}
}

func (s *stream) Start() error {
	s.finished.Store(false)
	return s.device.Start()
}

func (s *stream) Stop() error {
	return s.device.Stop()
}

// Abort stops the device; miniaudio has no separate discard path.
func (s *stream) Abort() error {
	s.finished.Store(true)
	return s.device.Stop()
}

func (s *stream) Close() error {
	s.device.Uninit()
	return nil
}

func (s *stream) IsActive() bool {
	return s.device.IsStarted() && !s.finished.Load()
}

func (s *stream) Info() audio.StreamInfo {
	rate := float64(s.device.SampleRate())
	if rate == 0 {
		rate = s.sampleRate
	}
	return audio.StreamInfo{
		SampleRate:   rate,
		InputLatency: periodLatency(s.frames, rate),
	}
}

func describe(info malgo.DeviceInfo) audio.DeviceDescriptor {
	return audio.DeviceDescriptor{
		Name:                   info.Name(),
		HostAPI:                hostAPI,
		DefaultSampleRate:      defaultSampleRate,
		DefaultLowInputLatency: defaultPeriod,
		MinInputLatency:        defaultPeriod,
		MaxInputChannels:       maxChannels,
	}
}

func supportedRate(rate float64) bool {
	for _, r := range audio.CanonicalSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

func periodLatency(frames int, rate float64) time.Duration {
	if frames <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) * float64(time.Second) / rate)
}

// float32Samples reinterprets a little-endian f32 capture buffer in place.
func float32Samples(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
