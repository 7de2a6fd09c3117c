// Package permissions checks OS-level microphone access before capture.
package permissions

import "errors"

// ErrMicrophoneDenied is returned when capture is not authorized.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// Status mirrors AVAuthorizationStatus.
type Status int

const (
	NotDetermined Status = iota
	Restricted
	Denied
	Authorized
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "NotDetermined"
	case Restricted:
		return "Restricted"
	case Denied:
		return "Denied"
	case Authorized:
		return "Authorized"
	default:
		return "Unknown"
	}
}
