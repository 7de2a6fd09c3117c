package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kelindar/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/audio/audiotest"
	"github.com/petems/pitchcap/internal/config"
)

// Mock implementations for testing
type mockStatus struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockStatus) SetIdle() { m.record("idle") }
func (m *mockStatus) SetRecording() { m.record("recording") }
func (m *mockStatus) SetError() { m.record("error") }

func (m *mockStatus) record(c string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockStatus) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStatus) Saw(c string) bool {
	for _, got := range m.Calls() {
		if got == c {
			return true
		}
	}
	return false
}

type mockSink struct {
	mu      sync.Mutex
	samples []float32
	err     error
}

func (m *mockSink) WriteSamples(s []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, s...)
	return nil
}

func (m *mockSink) Samples() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.samples...)
}

type fixture struct {
	backend *audiotest.Backend
	stream  *audio.CaptureStream
	events  *event.Dispatcher
	cfg     *config.Config
	status  *mockStatus
	sink    *mockSink
	app     *App
}

func newFixture(t *testing.T, withWatcher bool) *fixture {
	t.Helper()

	backend := audiotest.New(
		audiotest.Mic("Built-in Mic", 48000, 44100, 48000),
		audiotest.Mic("USB Mic", 48000, 44100, 48000),
	)

	cfg, err := config.Load(config.NewViper(), filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	cfg.Audio.SampleRate = 48000
	cfg.Watch.Interval = 5 * time.Millisecond
	cfg.Health.Interval = 5 * time.Millisecond

	log := zerolog.Nop()
	events := audio.NewDispatcher()
	catalog := audio.NewDeviceCatalog(backend, log)
	stream := audio.NewCaptureStream(audio.StreamOptions{
		Backend:         backend,
		Catalog:         catalog,
		Logger:          log,
		Dispatcher:      events,
		ShutdownTimeout: 20 * time.Millisecond,
	})

	var watcher *audio.DeviceChangeWatcher
	if withWatcher {
		watcher, err = audio.NewDeviceChangeWatcher(audio.WatcherOptions{
			Enumerator: catalog,
			Dispatcher: events,
			Logger:     log,
		})
		require.NoError(t, err)
	}

	f := &fixture{
		backend: backend,
		stream:  stream,
		events:  events,
		cfg:     cfg,
		status:  &mockStatus{},
		sink:    &mockSink{},
	}
	f.app = New(Config{
		Stream:  stream,
		Catalog: catalog,
		Watcher: watcher,
		Events:  events,
		Config:  cfg,
		Logger:  log,
		Status:  f.status,
		Sink:    f.sink,
	})
	t.Cleanup(func() { f.app.Shutdown(context.Background()) })
	return f
}

func TestStartStopCaptureDrainsToSink(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.app.StartCapture(context.Background()))
	assert.True(t, f.app.IsCapturing())

	index, ok := f.stream.SelectedDevice()
	require.True(t, ok)
	assert.Equal(t, 0, index, "default device is used when none is configured")

	native := f.backend.LastStream()
	require.NotNil(t, native)
	native.Deliver([]float32{0.5, -0.25, 0.25, -0.5}, audio.CallbackTimeInfo{}, 0)

	require.Eventually(t, func() bool { return len(f.sink.Samples()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []float32{0.5, -0.25, 0.25, -0.5}, f.sink.Samples())

	levels := f.app.Levels()
	assert.InDelta(t, 0.5, levels.Peak, 1e-9)
	assert.InDelta(t, 0.3953, levels.RMS, 1e-4)
	assert.Equal(t, uint64(4), f.app.SamplesCaptured())

	require.NoError(t, f.app.StopCapture())
	assert.False(t, f.app.IsCapturing())
	assert.Equal(t, audio.StateClosed, f.stream.State())

	calls := f.status.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "recording", calls[0])
	assert.Equal(t, "idle", calls[len(calls)-1])
}

func TestStopFlushesRemainingSamples(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.app.StartCapture(context.Background()))

	native := f.backend.LastStream()
	native.Deliver(make([]float32, 100), audio.CallbackTimeInfo{}, 0)
	require.NoError(t, f.app.StopCapture())

	assert.Len(t, f.sink.Samples(), 100)
}

func TestStartCaptureTwice(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.app.StartCapture(context.Background()))
	assert.ErrorIs(t, f.app.StartCapture(context.Background()), ErrAlreadyCapturing)
}

func TestStopCaptureWhenIdle(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.app.StopCapture(), ErrNotCapturing)
	assert.NoError(t, f.app.Shutdown(context.Background()))
}

func TestStartCaptureFailureReportsError(t *testing.T) {
	f := newFixture(t, false)
	f.backend.SetFailures(audiotest.Failures{Open: errors.New("device unplugged")})

	err := f.app.StartCapture(context.Background())
	require.ErrorIs(t, err, audio.ErrStreamOpenFailure)
	assert.False(t, f.app.IsCapturing())
	assert.True(t, f.status.Saw("error"))
}

func TestStartCaptureUnsupportedRate(t *testing.T) {
	f := newFixture(t, false)
	f.cfg.Audio.SampleRate = 8000

	err := f.app.StartCapture(context.Background())
	require.ErrorIs(t, err, audio.ErrUnsupportedSampleRate)
	assert.True(t, f.status.Saw("error"))
}

func TestSelectDevicePersists(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.app.SelectDevice(1))
	assert.Equal(t, 1, f.cfg.Audio.DeviceIndex)

	reloaded, err := config.Load(config.NewViper(), f.cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Audio.DeviceIndex)

	require.NoError(t, f.app.StartCapture(context.Background()))
	dev, ok := f.stream.CurrentDevice()
	require.True(t, ok)
	assert.Equal(t, "USB Mic", dev.Name)
}

func TestSelectDeviceRejectsInvalidIndex(t *testing.T) {
	f := newFixture(t, false)

	err := f.app.SelectDevice(7)
	require.ErrorIs(t, err, audio.ErrInvalidDevice)
	assert.Equal(t, config.DefaultDevice, f.cfg.Audio.DeviceIndex)
}

func TestSelectDeviceWhileCapturing(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.app.StartCapture(context.Background()))

	assert.ErrorIs(t, f.app.SelectDevice(1), audio.ErrDeviceBusy)
}

func TestSinkErrorReturnedOnStop(t *testing.T) {
	f := newFixture(t, false)
	f.sink.err = errors.New("disk full")
	require.NoError(t, f.app.StartCapture(context.Background()))

	f.backend.LastStream().Deliver([]float32{0.1, 0.2}, audio.CallbackTimeInfo{}, 0)

	err := f.app.StopCapture()
	assert.EqualError(t, err, "disk full")
}

func TestListDevices(t *testing.T) {
	f := newFixture(t, false)

	devices, err := f.app.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].IsDefaultInput)
	assert.Equal(t, "USB Mic", devices[1].Name)
}

func TestDeviceRemovalInterruptsCapture(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.Audio.DeviceIndex = 1
	require.NoError(t, f.app.StartCapture(context.Background()))

	f.backend.SetDevices(audiotest.Mic("Built-in Mic", 48000, 44100, 48000))

	require.Eventually(t, func() bool { return !f.app.IsCapturing() }, 2*time.Second, 5*time.Millisecond)
	_, selected := f.stream.SelectedDevice()
	assert.False(t, selected)

	assert.NoError(t, f.app.StopCapture())
}

func TestDeviceRemovalWhilePumpingDoesNotHangStop(t *testing.T) {
	f := newFixture(t, true)
	f.backend.Pump(time.Millisecond)
	f.cfg.Audio.DeviceIndex = 1
	f.cfg.Audio.FramesPerBuffer = 64
	require.NoError(t, f.app.StartCapture(context.Background()))

	require.Eventually(t, func() bool { return f.app.SamplesCaptured() > 0 }, 2*time.Second, time.Millisecond)
	f.backend.SetDevices(audiotest.Mic("Built-in Mic", 48000, 44100, 48000))
	require.Eventually(t, func() bool { return !f.app.IsCapturing() }, 2*time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- f.app.StopCapture() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StopCapture did not return after device removal")
	}

	avail := f.stream.AvailableSamples()
	assert.GreaterOrEqual(t, avail, 0)
	assert.LessOrEqual(t, avail, audio.DefaultRingBufferSize)
	assert.Equal(t, uint64(len(f.sink.Samples())), f.app.SamplesCaptured())
}

func TestStreamFaultSetsErrorStatus(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.app.StartCapture(context.Background()))

	f.backend.LastStream().Deliver(nil, audio.CallbackTimeInfo{}, 0)

	assert.Eventually(t, func() bool { return f.status.Saw("error") }, time.Second, time.Millisecond)
}

func TestMeasure(t *testing.T) {
	assert.Equal(t, Levels{}, measure(nil))

	l := measure([]float32{-1, 1, -1, 1})
	assert.InDelta(t, 1.0, l.Peak, 1e-9)
	assert.InDelta(t, 1.0, l.RMS, 1e-9)

	l = measure([]float32{0, 0, 0.8, 0})
	assert.InDelta(t, 0.8, l.Peak, 1e-6)
	assert.InDelta(t, 0.4, l.RMS, 1e-6)
}

func TestDecibels(t *testing.T) {
	assert.InDelta(t, 0.0, Decibels(1), 1e-9)
	assert.InDelta(t, -6.0206, Decibels(0.5), 1e-4)
	assert.Equal(t, -120.0, Decibels(0))
}
