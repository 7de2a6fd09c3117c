package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys understood by the config file, environment and CLI flags.
const (
	KeyLogLevel        = "log_level"
	KeyBackend         = "audio.backend"
	KeyDeviceIndex     = "audio.device_index"
	KeySampleRate      = "audio.sample_rate"
	KeyFramesPerBuffer = "audio.frames_per_buffer"
	KeyRingBufferSize  = "audio.ring_buffer_size"
	KeyShutdownTimeout = "audio.shutdown_timeout"
	KeyWatchInterval   = "watch.interval"
	KeyHealthInterval  = "health.interval"
	KeyMetricsAddr     = "metrics.addr"
)

// DefaultDevice selects the backend's default input device.
const DefaultDevice = -1

// Backends lists the accepted audio.backend values.
var Backends = []string{"portaudio", "miniaudio"}

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Audio    AudioConfig   `mapstructure:"audio"`
	Watch    WatchConfig   `mapstructure:"watch"`
	Health   HealthConfig  `mapstructure:"health"`
	Metrics  MetricsConfig `mapstructure:"metrics"`

	path string
}

type AudioConfig struct {
	Backend         string        `mapstructure:"backend"`
	DeviceIndex     int           `mapstructure:"device_index"`
	SampleRate      float64       `mapstructure:"sample_rate"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer"`
	RingBufferSize  int           `mapstructure:"ring_buffer_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the /metrics listener
}

// NewViper returns a viper instance carrying the defaults and reading
// PITCHCAP_* environment overrides (PITCHCAP_AUDIO_SAMPLE_RATE etc).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyBackend, "portaudio")
	v.SetDefault(KeyDeviceIndex, DefaultDevice)
	v.SetDefault(KeySampleRate, 44100.0)
	v.SetDefault(KeyFramesPerBuffer, 256)
	v.SetDefault(KeyRingBufferSize, 8192)
	v.SetDefault(KeyShutdownTimeout, "1s")
	v.SetDefault(KeyWatchInterval, "2s")
	v.SetDefault(KeyHealthInterval, "1s")
	v.SetDefault(KeyMetricsAddr, "")

	v.SetEnvPrefix("pitchcap")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (or the platform config path when
// empty) into v and decodes the result. A missing file yields defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.path = path
	return cfg, nil
}

// Validate rejects values no capture session can run with
func (c *Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeySampleRate, c.Audio.SampleRate))
	}
	if c.Audio.RingBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyRingBufferSize, c.Audio.RingBufferSize))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyFramesPerBuffer, c.Audio.FramesPerBuffer))
	}
	if c.Audio.DeviceIndex < DefaultDevice {
		errs = append(errs, fmt.Errorf("%s must be -1 or a device index, got %d", KeyDeviceIndex, c.Audio.DeviceIndex))
	}
	for key, d := range map[string]time.Duration{
		KeyShutdownTimeout: c.Audio.ShutdownTimeout,
		KeyWatchInterval:   c.Watch.Interval,
		KeyHealthInterval:  c.Health.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if !knownBackend(c.Audio.Backend) {
		errs = append(errs, fmt.Errorf("unknown %s %q (want one of %s)", KeyBackend, c.Audio.Backend, strings.Join(Backends, ", ")))
	}
	return errors.Join(errs...)
}

// Path returns the file this config was loaded from
func (c *Config) Path() string {
	if c.path == "" {
		return Path()
	}
	return c.path
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.Path()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c.fileForm(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// fileForm mirrors the key layout with durations spelled as strings.
func (c *Config) fileForm() map[string]any {
	return map[string]any{
		"log_level": c.LogLevel,
		"audio": map[string]any{
			"backend":           c.Audio.Backend,
			"device_index":      c.Audio.DeviceIndex,
			"sample_rate":       c.Audio.SampleRate,
			"frames_per_buffer": c.Audio.FramesPerBuffer,
			"ring_buffer_size":  c.Audio.RingBufferSize,
			"shutdown_timeout":  c.Audio.ShutdownTimeout.String(),
		},
		"watch":   map[string]any{"interval": c.Watch.Interval.String()},
		"health":  map[string]any{"interval": c.Health.Interval.String()},
		"metrics": map[string]any{"addr": c.Metrics.Addr},
	}
}

func knownBackend(name string) bool {
	for _, b := range Backends {
		if strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Path returns the platform-specific config file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "pitchcap", "config.json")
}

// RecordingsPath returns the platform-specific directory for WAV captures
func RecordingsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "pitchcap", "recordings")
}
