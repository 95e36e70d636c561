package media

import (
	"errors"
	"fmt"
)

var (
	// ErrReleased is returned by acquisition calls after Teardown.
	ErrReleased = errors.New("session resources released")
	// ErrNoTransport means negotiation was attempted before the transport exists.
	ErrNoTransport = errors.New("peer transport not created")
	// ErrNegotiationOrder is an out-of-order description exchange.
	ErrNegotiationOrder = errors.New("negotiation step out of order")
	// ErrDeviceUnavailable and ErrPermissionDenied are what device providers
	// wrap in an AcquisitionError.
	ErrDeviceUnavailable = errors.New("no such device")
	ErrPermissionDenied  = errors.New("permission denied")
)

// AcquisitionError reports a capture device that could not be opened.
type AcquisitionError struct {
	Device string // "microphone" or "camera"
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Reason is the one-line text a UI shows for this failure.
func (e *AcquisitionError) Reason() string { return e.Device + " unavailable" }
