// Package recorder writes captured mono float32 samples to 16-bit PCM WAV.
package recorder

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth    = 16
	numChannels = 1
	pcmFormat   = 1
)

// ErrClosed is returned by WriteSamples after Close.
var ErrClosed = errors.New("recorder closed")

// WAV is a capture sink backed by a WAV file. The file header is only
// valid once Close has returned.
type WAV struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	samples int
	closed  bool
}

// NewWAV creates path (and its directory) and prepares a mono encoder.
func NewWAV(path string, sampleRate int) (*WAV, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, numChannels, pcmFormat)
	return &WAV{
		path:    path,
		file:    f,
		encoder: enc,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: numChannels},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// WriteSamples converts samples to 16-bit integers, clipping at full scale.
func (w *WAV) WriteSamples(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = toPCM16(s)
	}

	if err := w.encoder.Write(w.buf); err != nil {
		return fmt.Errorf("writing %s: %w", w.path, err)
	}
	w.samples += len(samples)
	return nil
}

// Samples reports how many samples have been written so far.
func (w *WAV) Samples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

func (w *WAV) Path() string { return w.path }

// Close finalizes the header and closes the file. Calling it again is a no-op.
func (w *WAV) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.encoder.Close()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	return errors.Join(encErr, syncErr, closeErr)
}

func toPCM16(s float32) int {
	switch {
	case s != s:
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return -math.MaxInt16
	}
	return int(s * math.MaxInt16)
}
