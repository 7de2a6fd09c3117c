package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/pitchcap/internal/app"
	"github.com/petems/pitchcap/internal/config"
	"github.com/petems/pitchcap/internal/metrics"
	"github.com/petems/pitchcap/internal/permissions"
	"github.com/petems/pitchcap/internal/recorder"
)

type captureOptions struct {
	duration time.Duration
	out      string
	record   bool
	report   time.Duration
}

func newCaptureCmd(e *env) *cobra.Command {
	var opts captureOptions

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture from an input device, printing levels and stream health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context(), cmd.OutOrStdout(), e, opts)
		},
	}

	cmd.Flags().Int("device", config.DefaultDevice, "device index (-1 for the default input)")
	cmd.Flags().Float64("rate", 44100, "sample rate in Hz")
	cmd.Flags().Int("frames", 256, "frames per buffer")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 5*time.Second, "capture length (0 runs until interrupted)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the capture to this WAV file")
	cmd.Flags().BoolVar(&opts.record, "record", false, "write the capture to a timestamped WAV file in the recordings directory")
	cmd.Flags().DurationVar(&opts.report, "report-interval", time.Second, "how often levels are printed")

	return cmd
}

func runCapture(ctx context.Context, out io.Writer, e *env, opts captureOptions) error {
	if err := permissions.EnsureMicrophone(e.log); err != nil {
		return err
	}

	s, err := e.openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	watcher, err := s.newWatcher(e)
	if err != nil {
		return err
	}

	cfg := app.Config{
		Stream:  s.stream,
		Catalog: s.catalog,
		Watcher: watcher,
		Events:  s.events,
		Config:  e.cfg,
		Logger:  e.log,
		Status:  &consoleStatus{log: e.log},
	}

	path := opts.out
	if path == "" && opts.record {
		path = filepath.Join(config.RecordingsPath(), time.Now().Format("20060102-150405")+".wav")
	}
	var wav *recorder.WAV
	if path != "" {
		wav, err = recorder.NewWAV(path, int(e.cfg.Audio.SampleRate))
		if err != nil {
			return err
		}
		defer func() {
			if err := wav.Close(); err != nil {
				e.log.Error().Err(err).Str("path", path).Msg("Failed to finalize recording")
			}
		}()
		cfg.Sink = wav
	}

	a := app.New(cfg)
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := e.cfg.Metrics.Addr; addr != "" {
		reg := metrics.NewRegistry(s.stream)
		go func() {
			if err := metrics.Serve(ctx, addr, reg, e.log); err != nil {
				e.log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
			}
		}()
	}

	if err := a.StartCapture(ctx); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	report := opts.report
	if report <= 0 {
		report = time.Second
	}
	ticker := time.NewTicker(report)
	defer ticker.Stop()

	started := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			if !a.IsCapturing() {
				e.log.Warn().Str("error", s.stream.LastError()).Msg("Capture ended early")
				break loop
			}
			printLevels(out, a.Levels(), s)
		}
	}

	stopErr := a.StopCapture()
	if errors.Is(stopErr, app.ErrNotCapturing) {
		stopErr = nil
	}

	stats := s.stream.Stats()
	fmt.Fprintf(out, "Captured %d samples in %s (session %s, underruns %d, overruns %d, dropped %d)\n",
		a.SamplesCaptured(), time.Since(started).Round(time.Millisecond), stats.SessionID,
		stats.Underruns, stats.Overruns, s.stream.Health().DroppedSamples())
	if wav != nil {
		fmt.Fprintf(out, "Recording written to %s\n", wav.Path())
	}
	return stopErr
}

func printLevels(out io.Writer, l app.Levels, s *session) {
	stats := s.stream.Stats()
	health := "ok"
	if !s.stream.IsStreamHealthy() {
		health = "UNHEALTHY"
	}
	fmt.Fprintf(out, "peak %6.1f dBFS  rms %6.1f dBFS  latency %-8v under %-3d over %-3d %s\n",
		app.Decibels(l.Peak), app.Decibels(l.RMS), stats.Latency.Round(100*time.Microsecond),
		stats.Underruns, stats.Overruns, health)
}

// consoleStatus reports capture status transitions through the logger.
type consoleStatus struct {
	log zerolog.Logger
}

func (c *consoleStatus) SetIdle() { c.log.Info().Str("status", "idle").Msg("Status changed") }
func (c *consoleStatus) SetRecording() { c.log.Info().Str("status", "recording").Msg("Status changed") }
func (c *consoleStatus) SetError() { c.log.Warn().Str("status", "error").Msg("Status changed") }
