package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petems/pitchcap/internal/config"
	"github.com/petems/pitchcap/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

// flagKeys maps CLI flags onto config keys. Flags only override the config
// file when set explicitly.
var flagKeys = map[string]string{
	"log-level":    config.KeyLogLevel,
	"backend":      config.KeyBackend,
	"device":       config.KeyDeviceIndex,
	"rate":         config.KeySampleRate,
	"frames":       config.KeyFramesPerBuffer,
	"interval":     config.KeyWatchInterval,
	"metrics-addr": config.KeyMetricsAddr,
}

// env is the state shared by every subcommand once the config is loaded.
type env struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:           "pitchcap",
		Short:         "Low-latency audio capture engine",
		Long:          "pitchcap enumerates input devices, captures mono audio through a lock-free ring buffer and reports stream health.",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&e.configPath, "config", "", "config file (default "+config.Path()+")")
	cmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("backend", "portaudio", "audio backend (portaudio, miniaudio)")

	cmd.AddCommand(
		newDevicesCmd(e),
		newSelectCmd(e),
		newCaptureCmd(e),
		newWatchCmd(e),
	)
	return cmd
}

// load binds the executing command's flags, reads the config and builds
// the logger.
func (e *env) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = e.v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(e.v, e.configPath)
	if err != nil {
		log := logging.New()
		log.Error().Err(err).Msg("Failed to load config")
		return err
	}

	e.log = logging.NewWithLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		e.log.Error().Err(err).Str("path", cfg.Path()).Msg("Invalid config")
		return err
	}
	e.cfg = cfg

	e.log.Debug().
		Str("version", Version).
		Str("commit", Commit).
		Str("config", cfg.Path()).
		Str("backend", cfg.Audio.Backend).
		Msg("pitchcap starting")
	return nil
}
