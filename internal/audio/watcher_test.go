package audio_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/audio/audiotest"
)

type notifications struct {
	mu    sync.Mutex
	lists [][]audio.Device
}

func (n *notifications) record(devices []audio.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lists = append(n.lists, devices)
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.lists)
}

func (n *notifications) last() []audio.Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lists[len(n.lists)-1]
}

func newTestWatcher(t *testing.T, backend *audiotest.Backend, stream audio.StreamController) *audio.DeviceChangeWatcher {
	t.Helper()
	w, err := audio.NewDeviceChangeWatcher(audio.WatcherOptions{
		Enumerator: audio.NewDeviceCatalog(backend, zerolog.Nop()),
		Stream:     stream,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return w
}

func TestWatcherStopsStreamWhenDeviceDisappears(t *testing.T) {
	mic := audiotest.Mic("Built-in Mic", 48000, 48000)
	usb := audiotest.Mic("USB Mic", 48000, 48000)
	backend := audiotest.New(mic, usb)

	s := newTestStream(t, backend, 0)
	require.NoError(t, s.SetDevice(1))
	require.NoError(t, s.Start(48000, 256, nil))
	require.Equal(t, audio.StateRunning, s.State())

	w := newTestWatcher(t, backend, s)
	var got notifications
	unsub := w.Subscribe(got.record)
	defer unsub()

	backend.SetDevices(mic)
	changed, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, audio.StateClosed, s.State())
	assert.False(t, s.IsOpen())
	_, selected := s.SelectedDevice()
	assert.False(t, selected)

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, time.Millisecond)
	devices := got.last()
	require.Len(t, devices, 1)
	assert.Equal(t, "Built-in Mic", devices[0].Name)

	// A second poll with the same list is not a change.
	changed, err = w.Poll()
	require.NoError(t, err)
	assert.False(t, changed)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

type hookedController struct {
	audio.StreamController
	stops atomic.Int32
}

func (h *hookedController) Stop() {
	h.stops.Add(1)
	h.StreamController.Stop()
}

func TestWatcherSetStreamRoutesRemovalStop(t *testing.T) {
	mic := audiotest.Mic("Built-in Mic", 48000, 48000)
	backend := audiotest.New(mic, audiotest.Mic("USB Mic", 48000, 48000))

	s := newTestStream(t, backend, 0)
	require.NoError(t, s.SetDevice(1))
	require.NoError(t, s.Start(48000, 256, nil))

	w := newTestWatcher(t, backend, s)
	hooked := &hookedController{StreamController: s}
	w.SetStream(hooked)

	backend.SetDevices(mic)
	_, err := w.Poll()
	require.NoError(t, err)

	assert.Equal(t, int32(1), hooked.stops.Load())
	assert.Equal(t, audio.StateClosed, s.State())
}

func TestWatcherKeepsStreamWhenSelectedDeviceRemains(t *testing.T) {
	mic := audiotest.Mic("Built-in Mic", 48000, 48000)
	backend := audiotest.New(mic, audiotest.Mic("USB Mic", 48000, 48000))

	s := newTestStream(t, backend, 0)
	require.NoError(t, s.SetDevice(0))
	require.NoError(t, s.Start(48000, 256, nil))

	w := newTestWatcher(t, backend, s)
	backend.SetDevices(mic)

	changed, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, audio.StateRunning, s.State())
	assert.Len(t, w.Devices(), 1)
}

func TestWatcherKeepsSelectionWhenNotStreaming(t *testing.T) {
	mic := audiotest.Mic("Built-in Mic", 48000, 48000)
	backend := audiotest.New(mic, audiotest.Mic("USB Mic", 48000, 48000))

	s := newTestStream(t, backend, 0)
	require.NoError(t, s.SetDevice(1))

	w := newTestWatcher(t, backend, s)
	backend.SetDevices(mic)

	changed, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)

	idx, ok := s.SelectedDevice()
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestWatcherDetectsRename(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	w := newTestWatcher(t, backend, nil)

	backend.SetDevices(audiotest.Mic("Mic (2)", 48000, 48000))
	changed, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Mic (2)", w.Devices()[0].Name)
}

func TestWatcherIgnoresCapabilityOnlyChanges(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	w := newTestWatcher(t, backend, nil)

	backend.SetDevices(audiotest.Mic("Mic", 44100, 44100))
	changed, err := w.Poll()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestWatcherPollError(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	w := newTestWatcher(t, backend, nil)

	backend.SetFailures(audiotest.Failures{DeviceCount: errors.New("gone")})
	changed, err := w.Poll()
	assert.ErrorIs(t, err, audio.ErrEnumerationFailure)
	assert.False(t, changed)
	assert.Len(t, w.Devices(), 1)
}

func TestWatcherRun(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	w := newTestWatcher(t, backend, nil)

	var calls atomic.Int32
	unsub := w.Subscribe(func([]audio.Device) { calls.Add(1) })
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 2*time.Millisecond) }()

	backend.SetDevices()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
