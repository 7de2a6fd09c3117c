package audio

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DeviceCatalog enumerates input devices and checks their sample rates.
type DeviceCatalog struct {
	backend Backend
	log     zerolog.Logger
}

// NewDeviceCatalog creates a catalog over backend.
func NewDeviceCatalog(backend Backend, log zerolog.Logger) *DeviceCatalog {
	return &DeviceCatalog{backend: backend, log: log}
}

// Enumerate returns every device with at least one input channel, in backend
// index order, with its checked capability set.
func (c *DeviceCatalog) Enumerate() ([]Device, error) {
	count, err := c.backend.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("%w: error getting device count: %w", ErrEnumerationFailure, err)
	}

	defaultIndex, err := c.backend.DefaultInputDevice()
	if err != nil {
		defaultIndex = -1
	}

	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		desc, err := c.backend.DeviceInfo(i)
		if err != nil {
			c.log.Debug().Err(err).Int("index", i).Msg("Skipping unreadable device")
			continue
		}
		if desc.MaxInputChannels <= 0 {
			continue
		}

		dev := c.snapshot(i, desc, defaultIndex)
		devices = append(devices, dev)

		c.log.Debug().
			Int("index", dev.Index).
			Str("device", dev.Name).
			Str("host_api", dev.HostAPI).
			Floats64("rates", dev.SampleRates).
			Msg("Found input device")
	}

	if len(devices) == 0 {
		c.log.Warn().Msg("No audio input devices found")
	}
	return devices, nil
}

// Lookup builds a fresh snapshot of a single device by backend index.
func (c *DeviceCatalog) Lookup(index int) (Device, error) {
	desc, err := c.backend.DeviceInfo(index)
	if err != nil {
		return Device{}, fmt.Errorf("%w: index %d: %w", ErrInvalidDevice, index, err)
	}
	if desc.MaxInputChannels <= 0 {
		return Device{}, fmt.Errorf("%w: index %d has no input channels", ErrInvalidDevice, index)
	}

	defaultIndex, err := c.backend.DefaultInputDevice()
	if err != nil {
		defaultIndex = -1
	}
	return c.snapshot(index, desc, defaultIndex), nil
}

// DefaultInputDevice returns the backend's default input index.
func (c *DeviceCatalog) DefaultInputDevice() (int, error) {
	index, err := c.backend.DefaultInputDevice()
	if err != nil {
		if errors.Is(err, ErrNoDefaultDevice) {
			return -1, err
		}
		return -1, fmt.Errorf("%w: %w", ErrNoDefaultDevice, err)
	}
	if index < 0 {
		return -1, ErrNoDefaultDevice
	}
	return index, nil
}

// SupportedSampleRates checks every canonical rate as a mono float32 input
// at the device's default low input latency.
func (c *DeviceCatalog) SupportedSampleRates(index int, desc DeviceDescriptor) []float64 {
	var supported []float64
	for _, rate := range CanonicalSampleRates {
		err := c.backend.IsFormatSupported(StreamParams{
			Device:     index,
			Channels:   1,
			Latency:    desc.DefaultLowInputLatency,
			SampleRate: rate,
		})
		if err == nil {
			supported = append(supported, rate)
		}
	}
	return supported
}

func (c *DeviceCatalog) snapshot(index int, desc DeviceDescriptor, defaultIndex int) Device {
	minLatency := desc.MinInputLatency
	if minLatency == 0 {
		minLatency = desc.DefaultLowInputLatency
	}
	return Device{
		Index:             index,
		Name:              desc.Name,
		HostAPI:           desc.HostAPI,
		DefaultSampleRate: desc.DefaultSampleRate,
		SampleRates:       c.SupportedSampleRates(index, desc),
		MaxInputChannels:  desc.MaxInputChannels,
		DefaultLatency:    desc.DefaultLowInputLatency,
		MinLatency:        minLatency,
		IsDefaultInput:    index == defaultIndex,
	}
}
