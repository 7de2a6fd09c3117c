package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{MiniAudio, PortAudio}, Names())
}

func TestOpenUnknownBackend(t *testing.T) {
	b, err := Open("coreaudio-direct")
	require.ErrorIs(t, err, ErrUnknownBackend)
	assert.Nil(t, b)
	assert.Contains(t, err.Error(), "portaudio")
}
