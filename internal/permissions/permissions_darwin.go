//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import (
	"fmt"

	"github.com/rs/zerolog"
)

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() Status {
	return Status(C.checkMicrophonePermission())
}

// RequestMicrophone triggers the system microphone permission dialog
func RequestMicrophone() {
	C.requestMicrophonePermission()
}

// EnsureMicrophone fails unless capture is authorized. An undetermined
// status triggers the system prompt first.
func EnsureMicrophone(log zerolog.Logger) error {
	status := CheckMicrophone()
	if status == Authorized {
		return nil
	}

	log.Warn().Stringer("status", status).Msg("Microphone permission required")
	if status == NotDetermined {
		RequestMicrophone()
	} else {
		log.Warn().Msg("Go to: System Settings > Privacy & Security > Microphone")
	}
	return fmt.Errorf("%w (status %s)", ErrMicrophoneDenied, status)
}
