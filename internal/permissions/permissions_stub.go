//go:build !darwin

package permissions

import "github.com/rs/zerolog"

// CheckMicrophone always reports Authorized off macOS.
func CheckMicrophone() Status {
	return Authorized
}

// EnsureMicrophone is a no-op on non-macOS platforms.
func EnsureMicrophone(zerolog.Logger) error {
	return nil
}
