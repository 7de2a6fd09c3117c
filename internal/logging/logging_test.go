package logging

import (
	"bytes"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLoggerFiltersLevel(t *testing.T) {
	var a, b bytes.Buffer
	log := newLogger(zerolog.WarnLevel, &a, &b)

	log.Info().Msg("hidden")
	log.Warn().Str("device", "USB Mic").Msg("shown")

	assert.NotContains(t, a.String(), "hidden")
	assert.Contains(t, a.String(), "USB Mic")
	assert.Equal(t, a.String(), b.String())
}

func TestLogPathUsesXDGStateHome(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG paths only apply on linux")
	}
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "pitchcap", "pitchcap.log"), LogPath())
}
