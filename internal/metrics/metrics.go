// Package metrics exposes capture stream health in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/petems/pitchcap/internal/audio"
)

const (
	namespace = "pitchcap"
	subsystem = "stream"
)

var states = []audio.StreamState{
	audio.StateClosed,
	audio.StateOpening,
	audio.StateRunning,
	audio.StateStopping,
	audio.StateError,
}

// Source is the read side of a capture stream.
type Source interface {
	State() audio.StreamState
	IsStreamHealthy() bool
	Health() *audio.StreamHealthMonitor
}

// Collector reads the stream's health monitor at scrape time, so the
// real-time callback never touches Prometheus types.
type Collector struct {
	src Source

	latency  *prometheus.Desc
	under    *prometheus.Desc
	over     *prometheus.Desc
	dropped  *prometheus.Desc
	state    *prometheus.Desc
	healthy  *prometheus.Desc
	sessions *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystem, n) }
	return &Collector{
		src:      src,
		latency:  prometheus.NewDesc(name("latency_seconds"), "Most recent input latency estimate.", nil, nil),
		under:    prometheus.NewDesc(name("underruns_total"), "Input underflows reported by the backend in the current session.", nil, nil),
		over:     prometheus.NewDesc(name("overruns_total"), "Input overflows plus ring buffer shortfall in the current session.", nil, nil),
		dropped:  prometheus.NewDesc(name("dropped_samples_total"), "Samples discarded because the ring buffer was full.", nil, nil),
		state:    prometheus.NewDesc(name("state"), "Capture stream state, 1 for the current state.", []string{"state"}, nil),
		healthy:  prometheus.NewDesc(name("healthy"), "1 when the stream is open without error and, while running, is active with latency and under/overrun counts within limits.", nil, nil),
		sessions: prometheus.NewDesc(name("session_info"), "Identifier of the current capture session.", []string{"session"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.latency
	ch <- c.under
	ch <- c.over
	ch <- c.dropped
	ch <- c.state
	ch <- c.healthy
	ch <- c.sessions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	h := c.src.Health()
	stats := h.Stats()

	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, stats.Latency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.under, prometheus.CounterValue, float64(stats.Underruns))
	ch <- prometheus.MustNewConstMetric(c.over, prometheus.CounterValue, float64(stats.Overruns))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(h.DroppedSamples()))

	current := c.src.State()
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}

	ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, boolValue(c.src.IsStreamHealthy()))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, 1, stats.SessionID.String())
}

// NewRegistry returns a registry holding the stream collector plus the Go
// runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
