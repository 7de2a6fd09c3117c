package audio

import "errors"

// Control-plane failures are returned wrapped around one of these, so callers
// can match with errors.Is. Faults raised on the audio thread are only
// recorded in the stream state and LastError.
var (
	ErrInitializationFailure = errors.New("audio backend initialization failed")
	ErrEnumerationFailure    = errors.New("device enumeration failed")
	ErrInvalidDevice         = errors.New("invalid device")
	ErrDeviceBusy            = errors.New("cannot change device while stream is open")
	ErrNoDefaultDevice       = errors.New("no default input device available")
	ErrNoDeviceSelected      = errors.New("no device selected")
	ErrUnsupportedSampleRate = errors.New("unsupported sample rate")
	ErrInvalidBufferSize     = errors.New("invalid buffer size")
	ErrStreamAlreadyActive   = errors.New("stream already active")
	ErrStreamOpenFailure     = errors.New("failed to open stream")
	ErrStreamStartFailure    = errors.New("failed to start stream")
	ErrShutdownTimeout       = errors.New("timeout waiting for stream to stop")
	ErrNullInputBuffer       = errors.New("null input buffer in audio callback")
)
