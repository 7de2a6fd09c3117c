package audio

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/event"
	"github.com/rs/zerolog"
)

const (
	// DefaultRingBufferSize is the ring buffer capacity in samples.
	DefaultRingBufferSize = 8192
	// DefaultShutdownTimeout bounds how long Stop waits for the callback to
	// acknowledge before aborting the stream.
	DefaultShutdownTimeout = time.Second

	// MaxAllowedLatency is the latency ceiling used for the open latency
	// clamp, the start-time warning and the health check.
	MaxAllowedLatency  = 20 * time.Millisecond
	MinFramesPerBuffer = 64
	MaxFramesPerBuffer = 2048
	// HealthThreshold is the per-session under/overrun count above which a
	// running stream is reported unhealthy.
	HealthThreshold = 10
	// CallbackBudget is the callback wall time above which a slow callback
	// is counted.
	CallbackBudget = time.Millisecond

	shutdownPollInterval = time.Millisecond
)

// nullInputMessage is stored by pointer from the audio thread.
var nullInputMessage = ErrNullInputBuffer.Error()

// StreamOptions configures a CaptureStream.
type StreamOptions struct {
	Backend Backend
	// Catalog defaults to a catalog over Backend.
	Catalog *DeviceCatalog
	Logger  zerolog.Logger
	// Dispatcher receives StreamStateChangedEvent; optional.
	Dispatcher      *event.Dispatcher
	RingBufferSize  int
	ShutdownTimeout time.Duration
}

// CaptureStream owns one native input stream and moves its audio into a
// ring buffer. SetDevice, Start and Stop are serialized internally; the
// read side (GetAudioData, AvailableSamples) is lock-free and meant for a
// single consumer goroutine.
type CaptureStream struct {
	backend         Backend
	catalog         *DeviceCatalog
	log             zerolog.Logger
	events          *event.Dispatcher
	shutdownTimeout time.Duration

	mu     sync.Mutex
	device *Device
	stream NativeStream

	state             atomic.Int32
	lastErr           atomic.Pointer[string]
	shutdownRequested atomic.Bool
	shutdownAck       atomic.Bool

	buffer *RingBuffer[float32]
	health *StreamHealthMonitor
}

// NewCaptureStream creates a closed stream with no device selected.
func NewCaptureStream(opts StreamOptions) *CaptureStream {
	size := opts.RingBufferSize
	if size <= 0 {
		size = DefaultRingBufferSize
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewDeviceCatalog(opts.Backend, opts.Logger)
	}

	s := &CaptureStream{
		backend:         opts.Backend,
		catalog:         catalog,
		log:             opts.Logger,
		events:          opts.Dispatcher,
		shutdownTimeout: timeout,
		buffer:          NewRingBuffer[float32](size),
		health:          NewStreamHealthMonitor(),
	}
	s.state.Store(int32(StateClosed))
	return s
}

// EnumerateDevices lists the current input devices.
func (s *CaptureStream) EnumerateDevices() ([]Device, error) {
	return s.catalog.Enumerate()
}

// DefaultInputDevice returns the backend's default input device index.
func (s *CaptureStream) DefaultInputDevice() (int, error) {
	return s.catalog.DefaultInputDevice()
}

// SetDevice selects the device used by the next Start. It fails with
// ErrDeviceBusy while a native stream is open.
func (s *CaptureStream) SetDevice(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return ErrDeviceBusy
	}

	dev, err := s.catalog.Lookup(index)
	if err != nil {
		return err
	}
	s.device = &dev

	s.log.Info().
		Int("index", dev.Index).
		Str("device", dev.Name).
		Str("host_api", dev.HostAPI).
		Msg("Selected audio device")
	return nil
}

// ClearDevice drops the current selection. It fails with ErrDeviceBusy
// while a native stream is open.
func (s *CaptureStream) ClearDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return ErrDeviceBusy
	}
	s.device = nil
	return nil
}

// CurrentDevice returns the cached snapshot of the selected device.
func (s *CaptureStream) CurrentDevice() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return Device{}, false
	}
	return s.device.clone(), true
}

// SelectedDevice returns the backend index of the selected device.
func (s *CaptureStream) SelectedDevice() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return -1, false
	}
	return s.device.Index, true
}

// IsValidSampleRate reports whether the selected device supports rate.
func (s *CaptureStream) IsValidSampleRate(rate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.device != nil && s.device.SupportsSampleRate(rate)
}

// SupportedSampleRates returns the selected device's checked rates.
func (s *CaptureStream) SupportedSampleRates() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	return slices.Clone(s.device.SampleRates)
}

// Start validates the request, opens a mono float32 input stream on the
// selected device and starts it. cb, if non-nil, receives every delivered
// buffer on the audio thread and must not block or retain the slice.
func (s *CaptureStream) Start(sampleRate float64, framesPerBuffer int, cb func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return s.fail(ErrNoDeviceSelected)
	}
	if s.stream != nil {
		// The open stream is left running; Stop still releases it.
		return s.fail(ErrStreamAlreadyActive)
	}

	s.setState(StateOpening)
	dev := s.device.clone()

	if !dev.SupportsSampleRate(sampleRate) {
		return s.fail(fmt.Errorf("%w: %g Hz", ErrUnsupportedSampleRate, sampleRate))
	}
	if framesPerBuffer < MinFramesPerBuffer || framesPerBuffer > MaxFramesPerBuffer {
		return s.fail(fmt.Errorf("%w: %d frames, must be between %d and %d",
			ErrInvalidBufferSize, framesPerBuffer, MinFramesPerBuffer, MaxFramesPerBuffer))
	}

	expected := time.Duration(float64(framesPerBuffer) / sampleRate * float64(time.Second))
	if expected > MaxAllowedLatency {
		s.log.Warn().
			Dur("expected_latency", expected).
			Dur("target", MaxAllowedLatency).
			Msg("Buffer size may introduce latency above target")
	}

	s.buffer.Clear()
	session := s.health.Reset()
	s.shutdownRequested.Store(false)
	s.shutdownAck.Store(false)

	params := StreamParams{
		Device:          dev.Index,
		Channels:        1,
		Latency:         min(dev.DefaultLatency, MaxAllowedLatency),
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
		Flags:           ClipOff | DitherOff,
	}

	stream, err := s.backend.OpenStream(params, s.callback(cb))
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrStreamOpenFailure, err))
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		s.stream = nil
		return s.fail(fmt.Errorf("%w: %w", ErrStreamStartFailure, err))
	}

	// The callback may already have faulted; keep its Error in that case.
	if s.state.CompareAndSwap(int32(StateOpening), int32(StateRunning)) {
		s.publish(StateOpening, StateRunning)
	}

	info := stream.Info()
	if info.SampleRate == 0 {
		info.SampleRate = sampleRate
	}
	s.log.Info().
		Str("session", session.String()).
		Str("device", dev.Name).
		Float64("sample_rate", info.SampleRate).
		Int("frames_per_buffer", framesPerBuffer).
		Dur("latency", info.InputLatency).
		Msg("Audio stream started")
	return nil
}

// Stop shuts the stream down. The graceful path waits up to the shutdown
// timeout for the callback to acknowledge; on timeout or backend failure the
// stream is aborted and closed anyway. The stream always ends Closed with
// the native handle released. Stop on a closed stream does nothing.
func (s *CaptureStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

// Close releases any open stream.
func (s *CaptureStream) Close() error {
	s.Stop()
	return nil
}

func (s *CaptureStream) stopLocked() {
	if s.stream == nil {
		return
	}

	if err := s.shutdown(); err != nil {
		s.setLastError(err.Error())
		s.setState(StateError)
		s.log.Error().Err(err).Msg("Graceful stream shutdown failed")

		// Whatever the abort reports, the handle is gone after this.
		if err := s.stream.Abort(); err != nil {
			s.log.Debug().Err(err).Msg("Abort after failed shutdown")
		}
		if err := s.stream.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Close after failed shutdown")
		}
		s.release()
		s.log.Warn().Msg("Forced stream shutdown after graceful shutdown failed")
	}
}

func (s *CaptureStream) shutdown() error {
	s.shutdownRequested.Store(true)
	s.setState(StateStopping)

	if !s.waitForAck() {
		return ErrShutdownTimeout
	}
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("error stopping stream: %w", err)
	}
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}

	s.release()
	s.log.Info().Msg("Audio stream stopped and closed")
	return nil
}

// waitForAck polls until the callback has seen the shutdown request or the
// backend reports the stream inactive.
func (s *CaptureStream) waitForAck() bool {
	deadline := time.Now().Add(s.shutdownTimeout)
	for {
		if s.shutdownAck.Load() || !s.stream.IsActive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(shutdownPollInterval)
	}
}

func (s *CaptureStream) release() {
	s.stream = nil
	s.buffer.Clear()
	s.shutdownRequested.Store(false)
	s.setState(StateClosed)
}

// State returns the current lifecycle state.
func (s *CaptureStream) State() StreamState {
	return StreamState(s.state.Load())
}

// LastError returns the most recent failure description, or "".
func (s *CaptureStream) LastError() string {
	if msg := s.lastErr.Load(); msg != nil {
		return *msg
	}
	return ""
}

// IsOpen reports whether a native stream handle is held.
func (s *CaptureStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stream != nil
}

// IsActive reports whether the stream is open, Running and delivering.
func (s *CaptureStream) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stream != nil && s.State() == StateRunning && s.stream.IsActive()
}

// IsStreamHealthy reports false for a missing or faulted stream, true for
// any non-running state, and for a running stream checks backend activity,
// latency against MaxAllowedLatency and under/overruns against
// HealthThreshold.
func (s *CaptureStream) IsStreamHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return false
	}
	switch s.State() {
	case StateError:
		return false
	case StateRunning:
	default:
		return true
	}

	if !s.stream.IsActive() {
		return false
	}
	if s.health.Latency() > MaxAllowedLatency {
		return false
	}
	if s.health.Overruns() > HealthThreshold || s.health.Underruns() > HealthThreshold {
		return false
	}
	return true
}

// Stats returns the current session's latency and under/overrun counts.
func (s *CaptureStream) Stats() StreamStats {
	return s.health.Stats()
}

// Health exposes the session monitor for diagnostics draining and metrics.
func (s *CaptureStream) Health() *StreamHealthMonitor {
	return s.health
}

// GetAudioData drains up to len(buf) samples and returns the count.
func (s *CaptureStream) GetAudioData(buf []float32) int {
	return s.buffer.Read(buf)
}

// AvailableSamples returns the ring buffer backlog.
func (s *CaptureStream) AvailableSamples() int {
	return s.buffer.Available()
}

// ClearAudioBuffer discards buffered samples. Only call it while the
// stream is not capturing.
func (s *CaptureStream) ClearAudioBuffer() {
	s.buffer.Clear()
}

// callback binds the real-time handler to this stream. It never logs,
// locks or allocates; everything it learns goes into the health monitor.
func (s *CaptureStream) callback(user func([]float32)) Callback {
	return func(in []float32, ti CallbackTimeInfo, flags StatusFlags) CallbackResult {
		if s.shutdownRequested.Load() {
			s.shutdownAck.Store(true)
			return Complete
		}
		if in == nil {
			s.lastErr.Store(&nullInputMessage)
			s.state.Store(int32(StateError))
			return Abort
		}

		start := time.Now()

		if ti.CurrentTime != 0 || ti.InputBufferADCTime != 0 {
			s.health.setLatency(ti.CurrentTime - ti.InputBufferADCTime)
		}
		if flags&InputUnderflow != 0 {
			s.health.addUnderrun()
		}
		if flags&InputOverflow != 0 {
			s.health.addOverruns(1)
		}
		if flags&(OutputUnderflow|OutputOverflow|PrimingOutput) != 0 {
			s.health.addOutputCondition()
		}

		written := s.buffer.Write(in)
		if short := len(in) - written; short > 0 {
			s.health.addOverruns(uint32(short))
			s.health.addDropped(uint64(short))
		}

		if user != nil {
			user(in)
		}

		s.health.observeCallback(time.Since(start))
		return Continue
	}
}

func (s *CaptureStream) fail(err error) error {
	s.setLastError(err.Error())
	s.setState(StateError)
	s.log.Error().Err(err).Msg("Failed to start audio stream")
	return err
}

func (s *CaptureStream) setLastError(msg string) {
	s.lastErr.Store(&msg)
}

func (s *CaptureStream) setState(to StreamState) {
	from := StreamState(s.state.Swap(int32(to)))
	if from != to {
		s.publish(from, to)
	}
}

func (s *CaptureStream) publish(from, to StreamState) {
	if s.events == nil {
		return
	}
	event.Publish(s.events, StreamStateChangedEvent{
		From:      from,
		To:        to,
		Err:       s.LastError(),
		Timestamp: time.Now(),
	})
}
