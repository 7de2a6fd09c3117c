package miniaudio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32Samples(t *testing.T) {
	want := []float32{0, 0.5, -1, 0.25}
	buf := make([]byte, 4*len(want))
	for i, v := range want {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}

	got := float32Samples(buf)
	require.Len(t, got, len(want))
	assert.Equal(t, want, got)
}

func TestFloat32SamplesShortBuffer(t *testing.T) {
	assert.Nil(t, float32Samples(nil))
	assert.Nil(t, float32Samples([]byte{1, 2}))
}

func TestSupportedRate(t *testing.T) {
	assert.True(t, supportedRate(44100))
	assert.True(t, supportedRate(192000))
	assert.False(t, supportedRate(12345))
}

func TestPeriodLatency(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, periodLatency(480, 48000))
	assert.Equal(t, time.Duration(0), periodLatency(0, 48000))
	assert.Equal(t, time.Duration(0), periodLatency(256, 0))
}
