package audio

import (
	"fmt"
	"slices"
	"time"
)

// CanonicalSampleRates are the rates every input device is checked against
// during enumeration.
var CanonicalSampleRates = []float64{
	8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000,
}

// Device is an immutable snapshot of an input-capable device. A new
// enumeration produces new snapshots; existing ones are never updated.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	DefaultSampleRate float64
	// SampleRates holds the canonical rates confirmed by format probing, in
	// ascending order. Empty means only DefaultSampleRate is known to work.
	SampleRates      []float64
	MaxInputChannels int
	DefaultLatency   time.Duration
	MinLatency       time.Duration
	IsDefaultInput   bool
}

// SupportsSampleRate reports whether the device can capture at rate.
func (d Device) SupportsSampleRate(rate float64) bool {
	if len(d.SampleRates) == 0 {
		return rate == d.DefaultSampleRate
	}
	return slices.Contains(d.SampleRates, rate)
}

// String returns a human-readable representation of the device
func (d Device) String() string {
	defaultMarker := ""
	if d.IsDefaultInput {
		defaultMarker = " [DEFAULT]"
	}
	return fmt.Sprintf("%d: %s (%s)%s (channels: %d, rates: %v)",
		d.Index, d.Name, d.HostAPI, defaultMarker, d.MaxInputChannels, d.SampleRates)
}

func (d Device) clone() Device {
	d.SampleRates = slices.Clone(d.SampleRates)
	return d
}
