package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kelindar/event"
	"github.com/rs/zerolog"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/config"
)

const (
	drainInterval = 10 * time.Millisecond
	drainChunk    = 4096
)

var (
	ErrAlreadyCapturing = errors.New("capture already running")
	ErrNotCapturing     = errors.New("capture not running")
)

// StatusUpdater is an interface for updating status (e.g., a terminal or tray indicator)
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetError()
}

// Sink receives samples drained from the stream's ring buffer.
type Sink interface {
	WriteSamples(samples []float32) error
}

// Levels is the peak and RMS amplitude of the most recently drained block.
type Levels struct {
	Peak float64
	RMS  float64
}

type Config struct {
	Stream  *audio.CaptureStream
	Catalog *audio.DeviceCatalog       // Optional - defaults to the stream's catalog
	Watcher *audio.DeviceChangeWatcher // Optional - enables hot-plug handling; New takes over its removal reaction
	Events  *event.Dispatcher          // Optional - the stream's dispatcher
	Config  *config.Config
	Logger  zerolog.Logger
	Status  StatusUpdater // Optional - can be nil
	Sink    Sink          // Optional - can be nil
}

type App struct {
	stream  *audio.CaptureStream
	catalog *audio.DeviceCatalog
	watcher *audio.DeviceChangeWatcher
	cfg     *config.Config
	log     zerolog.Logger
	status  StatusUpdater
	sink    Sink

	unsubscribe func()

	mu        sync.Mutex
	capturing bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// stopDrain cancels the drain loop and waits for its final flush. It is
	// called from the watcher goroutine, so it must not need mu.
	drainMu   sync.Mutex
	stopDrain func()

	// guarded by statsMu; written by the drain loop
	statsMu sync.Mutex
	levels  Levels
	samples uint64
	sinkErr error
}

func New(cfg Config) *App {
	a := &App{
		stream:  cfg.Stream,
		catalog: cfg.Catalog,
		watcher: cfg.Watcher,
		cfg:     cfg.Config,
		log:     cfg.Logger,
		status:  cfg.Status,
		sink:    cfg.Sink,
	}
	if cfg.Events != nil {
		a.unsubscribe = audio.OnStateChange(cfg.Events, a.onStateChange)
	}
	if a.watcher != nil {
		a.watcher.SetStream(removalGuard{a})
	}
	return a
}

var _ audio.StreamController = removalGuard{}

// removalGuard is the controller the watcher stops on device removal.
// Stopping releases the ring buffer, so the drain loop is flushed and
// halted first, the same order StopCapture uses.
type removalGuard struct {
	a *App
}

func (g removalGuard) SelectedDevice() (int, bool) { return g.a.stream.SelectedDevice() }
func (g removalGuard) IsOpen() bool                { return g.a.stream.IsOpen() }
func (g removalGuard) ClearDevice() error          { return g.a.stream.ClearDevice() }

func (g removalGuard) Stop() {
	g.a.haltDrain()
	g.a.stream.Stop()
}

func (a *App) haltDrain() {
	a.drainMu.Lock()
	stop := a.stopDrain
	a.drainMu.Unlock()
	if stop != nil {
		stop()
	}
}

// ListDevices returns the current input devices.
func (a *App) ListDevices() ([]audio.Device, error) {
	if a.catalog != nil {
		return a.catalog.Enumerate()
	}
	return a.stream.EnumerateDevices()
}

// SelectDevice validates index against the backend and persists it as the
// configured capture device.
func (a *App) SelectDevice(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capturing {
		return fmt.Errorf("cannot change device while capturing: %w", audio.ErrDeviceBusy)
	}
	if err := a.stream.SetDevice(index); err != nil {
		return err
	}

	a.cfg.Audio.DeviceIndex = index
	return a.cfg.Save()
}

// StartCapture opens the configured (or default) device and starts the
// drain, health and watcher loops. They run until StopCapture, Shutdown or
// cancellation of ctx.
func (a *App) StartCapture(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capturing {
		return ErrAlreadyCapturing
	}

	if err := a.selectConfiguredDeviceLocked(); err != nil {
		a.setError()
		return err
	}

	if err := a.stream.Start(a.cfg.Audio.SampleRate, a.cfg.Audio.FramesPerBuffer, nil); err != nil {
		a.log.Error().Err(err).Msg("Failed to start capture")
		a.setError()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.capturing = true
	a.resetSession()

	drainCtx, cancelDrain := context.WithCancel(runCtx)
	drained := make(chan struct{})
	a.drainMu.Lock()
	a.stopDrain = func() {
		cancelDrain()
		<-drained
	}
	a.drainMu.Unlock()

	a.wg.Add(2)
	go a.drainLoop(drainCtx, drained)
	go a.healthLoop(runCtx)
	if a.watcher != nil {
		a.wg.Add(1)
		go a.watchLoop(runCtx)
	}

	dev, _ := a.stream.CurrentDevice()
	a.log.Info().
		Str("device", dev.Name).
		Float64("sample_rate", a.cfg.Audio.SampleRate).
		Int("frames_per_buffer", a.cfg.Audio.FramesPerBuffer).
		Str("session", a.stream.Stats().SessionID.String()).
		Msg("Capture started")

	if a.status != nil {
		a.status.SetRecording()
	}
	return nil
}

func (a *App) selectConfiguredDeviceLocked() error {
	index := a.cfg.Audio.DeviceIndex
	if index == config.DefaultDevice {
		if _, ok := a.stream.SelectedDevice(); ok {
			return nil
		}
		def, err := a.stream.DefaultInputDevice()
		if err != nil {
			return err
		}
		index = def
	}
	return a.stream.SetDevice(index)
}

// StopCapture ends the background loops, which flush what is buffered to
// the sink, then stops the stream. Stopping releases the ring buffer, so
// the drain loop has to finish first. It returns the first sink error seen
// during the session.
func (a *App) StopCapture() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.capturing {
		return ErrNotCapturing
	}

	a.log.Info().Msg("Stopping capture")
	a.cancel()
	a.wg.Wait()
	a.stream.Stop()
	a.capturing = false

	a.drainMu.Lock()
	a.stopDrain = nil
	a.drainMu.Unlock()

	stats := a.stream.Stats()
	a.log.Info().
		Uint32("underruns", stats.Underruns).
		Uint32("overruns", stats.Overruns).
		Uint64("samples", a.SamplesCaptured()).
		Msg("Capture stopped")

	if a.status != nil {
		a.status.SetIdle()
	}

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.sinkErr
}

// IsCapturing reports whether a session is running and its stream is
// still open. A device removal closes the stream underneath the session.
func (a *App) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturing && a.stream.IsOpen()
}

// Levels returns the meter reading of the last drained block.
func (a *App) Levels() Levels {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.levels
}

// SamplesCaptured returns how many samples were drained this session.
func (a *App) SamplesCaptured() uint64 {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.samples
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.StopCapture()
	if errors.Is(err, ErrNotCapturing) {
		err = nil
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if closeErr := a.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (a *App) drainLoop(ctx context.Context, done chan<- struct{}) {
	defer a.wg.Done()
	defer close(done)

	buf := make([]float32, drainChunk)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain(buf)
			return
		case <-ticker.C:
			a.drain(buf)
		}
	}
}

func (a *App) drain(buf []float32) {
	for {
		n := a.stream.GetAudioData(buf)
		if n == 0 {
			return
		}
		block := buf[:n]
		a.record(block)

		if a.sink == nil {
			continue
		}
		if err := a.sink.WriteSamples(block); err != nil {
			a.log.Error().Err(err).Msg("Sink write failed")
			a.statsMu.Lock()
			if a.sinkErr == nil {
				a.sinkErr = err
			}
			a.statsMu.Unlock()
		}
	}
}

func (a *App) healthLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Health.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Faults raised on the audio thread change state without an event.
	faulted := false
	for {
		select {
		case <-ctx.Done():
			a.reportHealth()
			return
		case <-ticker.C:
			a.reportHealth()
			if !faulted && a.stream.State() == audio.StateError {
				faulted = true
				a.log.Error().Str("error", a.stream.LastError()).Msg("Capture stream faulted")
				a.setError()
			}
		}
	}
}

// reportHealth logs the diagnostics accumulated by the audio thread since
// the previous report.
func (a *App) reportHealth() {
	d := a.stream.Health().Drain()
	if !d.Empty() {
		a.log.Warn().
			Uint64("underruns", d.Underruns).
			Uint64("overruns", d.Overruns).
			Uint64("dropped_samples", d.DroppedSamples).
			Uint64("slow_callbacks", d.SlowCallbacks).
			Uint64("high_latency", d.HighLatencyEvents).
			Uint64("output_conditions", d.OutputConditions).
			Dur("max_callback", d.MaxCallbackTime).
			Msg("Stream diagnostics")
	}

	if a.stream.State() == audio.StateRunning && !a.stream.IsStreamHealthy() {
		stats := a.stream.Stats()
		a.log.Warn().
			Dur("latency", stats.Latency).
			Uint32("underruns", stats.Underruns).
			Uint32("overruns", stats.Overruns).
			Msg("Stream unhealthy")
	}
}

func (a *App) watchLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Watch.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if err := a.watcher.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("Device watcher stopped")
	}
}

func (a *App) onStateChange(e audio.StreamStateChangedEvent) {
	a.log.Debug().
		Stringer("from", e.From).
		Stringer("to", e.To).
		Str("error", e.Err).
		Msg("Stream state changed")

	// A forced shutdown is already logged by the stream.
	if e.To == audio.StateError && e.From != audio.StateStopping {
		a.setError()
	}
}

func (a *App) setError() {
	if a.status != nil {
		a.status.SetError()
	}
}

func (a *App) record(block []float32) {
	l := measure(block)
	a.statsMu.Lock()
	a.levels = l
	a.samples += uint64(len(block))
	a.statsMu.Unlock()
}

func (a *App) resetSession() {
	a.statsMu.Lock()
	a.levels = Levels{}
	a.samples = 0
	a.sinkErr = nil
	a.statsMu.Unlock()
}

func measure(block []float32) Levels {
	if len(block) == 0 {
		return Levels{}
	}
	var peak, sum float64
	for _, s := range block {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
		sum += float64(s) * float64(s)
	}
	return Levels{Peak: peak, RMS: math.Sqrt(sum / float64(len(block)))}
}

// Decibels converts an amplitude to dBFS, flooring silence at -120.
func Decibels(amplitude float64) float64 {
	if amplitude <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(amplitude)
}
