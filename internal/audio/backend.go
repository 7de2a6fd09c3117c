package audio

import "time"

// DeviceDescriptor is what a backend reports for a single device index.
type DeviceDescriptor struct {
	Name                   string
	HostAPI                string
	DefaultSampleRate      float64
	DefaultLowInputLatency time.Duration
	MinInputLatency        time.Duration
	MaxInputChannels       int
}

// StreamFlags mirror the native stream open flags.
type StreamFlags uint32

const (
	ClipOff StreamFlags = 1 << iota
	DitherOff
)

// StreamParams describes an input stream to check or open. Capture is always
// mono 32-bit float.
type StreamParams struct {
	Device          int
	Channels        int
	Latency         time.Duration
	SampleRate      float64
	FramesPerBuffer int
	Flags           StreamFlags
}

// CallbackTimeInfo carries the backend stream clock for one callback.
type CallbackTimeInfo struct {
	InputBufferADCTime time.Duration
	CurrentTime        time.Duration
}

// StatusFlags are the per-callback conditions reported by the backend.
type StatusFlags uint32

const (
	InputUnderflow StatusFlags = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
	PrimingOutput
)

// CallbackResult tells the backend whether to keep delivering buffers.
type CallbackResult int

const (
	Continue CallbackResult = iota
	Complete
	Abort
)

// Callback runs on the backend's real-time thread. It must not block or
// allocate. in is nil when the backend delivered no input buffer.
type Callback func(in []float32, ti CallbackTimeInfo, flags StatusFlags) CallbackResult

// StreamInfo is the effective configuration of an open stream.
type StreamInfo struct {
	SampleRate   float64
	InputLatency time.Duration
}

// NativeStream is an open backend stream. It is owned by exactly one
// CaptureStream between open and close.
type NativeStream interface {
	Start() error
	Stop() error
	Abort() error
	Close() error
	IsActive() bool
	Info() StreamInfo
}

// Backend is the native audio subsystem that owns the hardware.
type Backend interface {
	DeviceCount() (int, error)
	DeviceInfo(index int) (DeviceDescriptor, error)
	// DefaultInputDevice returns ErrNoDefaultDevice when there is none.
	DefaultInputDevice() (int, error)
	// IsFormatSupported returns nil when params can be opened as-is.
	IsFormatSupported(params StreamParams) error
	OpenStream(params StreamParams, cb Callback) (NativeStream, error)
	Close() error
}
