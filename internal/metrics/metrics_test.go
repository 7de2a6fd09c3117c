package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/audio/audiotest"
)

func runningStream(t *testing.T, ringSize int) (*audio.CaptureStream, *audiotest.Stream) {
	t.Helper()
	backend := audiotest.New(audiotest.Mic("Built-in Mic", 48000, 48000))
	s := audio.NewCaptureStream(audio.StreamOptions{
		Backend:         backend,
		Logger:          zerolog.Nop(),
		RingBufferSize:  ringSize,
		ShutdownTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(s.Stop)
	require.NoError(t, s.SetDevice(0))
	require.NoError(t, s.Start(48000, 256, nil))
	return s, backend.LastStream()
}

func TestCollectorIdleStream(t *testing.T) {
	s := audio.NewCaptureStream(audio.StreamOptions{
		Backend: audiotest.New(),
		Logger:  zerolog.Nop(),
	})
	c := NewCollector(s)

	expected := `
# HELP pitchcap_stream_state Capture stream state, 1 for the current state.
# TYPE pitchcap_stream_state gauge
pitchcap_stream_state{state="Closed"} 1
pitchcap_stream_state{state="Error"} 0
pitchcap_stream_state{state="Opening"} 0
pitchcap_stream_state{state="Running"} 0
pitchcap_stream_state{state="Stopping"} 0
# HELP pitchcap_stream_underruns_total Input underflows reported by the backend in the current session.
# TYPE pitchcap_stream_underruns_total counter
pitchcap_stream_underruns_total 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pitchcap_stream_state", "pitchcap_stream_underruns_total"))
	assert.Equal(t, 11, testutil.CollectAndCount(c))
}

func TestCollectorRunningStream(t *testing.T) {
	s, native := runningStream(t, 4)

	ti := audio.CallbackTimeInfo{InputBufferADCTime: 100 * time.Millisecond, CurrentTime: 105 * time.Millisecond}
	native.Deliver([]float32{0.1}, ti, audio.InputUnderflow)
	native.Deliver([]float32{0.1}, ti, audio.InputUnderflow)
	native.Deliver([]float32{0.1, 0.2, 0.3, 0.4, 0.5}, ti, 0)

	expected := `
# HELP pitchcap_stream_dropped_samples_total Samples discarded because the ring buffer was full.
# TYPE pitchcap_stream_dropped_samples_total counter
pitchcap_stream_dropped_samples_total 3
# HELP pitchcap_stream_healthy 1 when the stream is open without error and, while running, is active with latency and under/overrun counts within limits.
# TYPE pitchcap_stream_healthy gauge
pitchcap_stream_healthy 1
# HELP pitchcap_stream_latency_seconds Most recent input latency estimate.
# TYPE pitchcap_stream_latency_seconds gauge
pitchcap_stream_latency_seconds 0.005
# HELP pitchcap_stream_overruns_total Input overflows plus ring buffer shortfall in the current session.
# TYPE pitchcap_stream_overruns_total counter
pitchcap_stream_overruns_total 3
# HELP pitchcap_stream_underruns_total Input underflows reported by the backend in the current session.
# TYPE pitchcap_stream_underruns_total counter
pitchcap_stream_underruns_total 2
`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(s), strings.NewReader(expected),
		"pitchcap_stream_dropped_samples_total",
		"pitchcap_stream_healthy",
		"pitchcap_stream_latency_seconds",
		"pitchcap_stream_overruns_total",
		"pitchcap_stream_underruns_total",
	))
}

func TestCollectorHealthyFollowsStreamHealth(t *testing.T) {
	healthy := func(v int) *strings.Reader {
		return strings.NewReader(fmt.Sprintf(`
# HELP pitchcap_stream_healthy 1 when the stream is open without error and, while running, is active with latency and under/overrun counts within limits.
# TYPE pitchcap_stream_healthy gauge
pitchcap_stream_healthy %d
`, v))
	}

	idle := audio.NewCaptureStream(audio.StreamOptions{
		Backend: audiotest.New(),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, testutil.CollectAndCompare(NewCollector(idle), healthy(0), "pitchcap_stream_healthy"), "closed stream")

	s, native := runningStream(t, 16)
	require.NoError(t, testutil.CollectAndCompare(NewCollector(s), healthy(1), "pitchcap_stream_healthy"))

	slow := audio.CallbackTimeInfo{InputBufferADCTime: 100 * time.Millisecond, CurrentTime: 130 * time.Millisecond}
	native.Deliver([]float32{0.1}, slow, 0)
	require.NoError(t, testutil.CollectAndCompare(NewCollector(s), healthy(0), "pitchcap_stream_healthy"), "latency above the ceiling")
}

func TestHandlerExposesSession(t *testing.T) {
	s, _ := runningStream(t, 16)
	reg := NewRegistry(s)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pitchcap_stream_session_info{session="`+s.Stats().SessionID.String()+`"} 1`)
	assert.Contains(t, body, `pitchcap_stream_state{state="Running"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServeStopsOnCancel(t *testing.T) {
	s, _ := runningStream(t, 16)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, NewRegistry(s), zerolog.Nop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "pitchcap_stream_state")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
