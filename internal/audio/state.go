package audio

// StreamState is the capture stream lifecycle state.
type StreamState int32

const (
	StateClosed StreamState = iota
	StateOpening
	StateRunning
	StateStopping
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
