package audio_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/pitchcap/internal/audio"
	"github.com/petems/pitchcap/internal/audio/audiotest"
)

func TestEnumerateFiltersAndChecksRates(t *testing.T) {
	backend := audiotest.New(
		audiotest.Speaker("Speakers"),
		audiotest.Mic("Built-in Mic", 48000, 44100, 48000, 12345),
		audiotest.Mic("USB Mic", 44100),
	)
	backend.SetDefault(1)
	catalog := audio.NewDeviceCatalog(backend, zerolog.Nop())

	devices, err := catalog.Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	builtin := devices[0]
	assert.Equal(t, 1, builtin.Index)
	assert.Equal(t, "Built-in Mic", builtin.Name)
	assert.Equal(t, "Fake", builtin.HostAPI)
	// 12345 is not a canonical rate, so it is never checked.
	assert.Equal(t, []float64{44100, 48000}, builtin.SampleRates)
	assert.True(t, builtin.IsDefaultInput)

	usb := devices[1]
	assert.Equal(t, 2, usb.Index)
	assert.Empty(t, usb.SampleRates)
	assert.False(t, usb.IsDefaultInput)
	assert.True(t, usb.SupportsSampleRate(44100))
}

func TestEnumerateWithoutDefault(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	backend.SetDefault(-1)

	devices, err := audio.NewDeviceCatalog(backend, zerolog.Nop()).Enumerate()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.False(t, devices[0].IsDefaultInput)
}

func TestEnumerateCountFailure(t *testing.T) {
	backend := audiotest.New(audiotest.Mic("Mic", 48000, 48000))
	backend.SetFailures(audiotest.Failures{DeviceCount: errors.New("host error")})

	_, err := audio.NewDeviceCatalog(backend, zerolog.Nop()).Enumerate()
	require.ErrorIs(t, err, audio.ErrEnumerationFailure)
	assert.Contains(t, err.Error(), "host error")
}

func TestDefaultInputDevice(t *testing.T) {
	backend := audiotest.New(audiotest.Speaker("Out"), audiotest.Mic("Mic", 48000, 48000))
	catalog := audio.NewDeviceCatalog(backend, zerolog.Nop())

	index, err := catalog.DefaultInputDevice()
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	backend.SetDefault(-1)
	_, err = catalog.DefaultInputDevice()
	assert.ErrorIs(t, err, audio.ErrNoDefaultDevice)
}

func TestLookup(t *testing.T) {
	backend := audiotest.New(audiotest.Speaker("Out"), audiotest.Mic("Mic", 48000, 16000, 48000))
	catalog := audio.NewDeviceCatalog(backend, zerolog.Nop())

	dev, err := catalog.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, "Mic", dev.Name)
	assert.Equal(t, []float64{16000, 48000}, dev.SampleRates)
	assert.Equal(t, dev.DefaultLatency, dev.MinLatency*2)

	_, err = catalog.Lookup(0)
	assert.ErrorIs(t, err, audio.ErrInvalidDevice)

	_, err = catalog.Lookup(7)
	assert.ErrorIs(t, err, audio.ErrInvalidDevice)
}
