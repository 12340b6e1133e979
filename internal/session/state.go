package session

import (
	"errors"
	"fmt"
)

// State is the calibration state of a session.
type State int

const (
	StateInitializing State = iota
	StateCalibrated
	StateManualMode
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCalibrated:
		return "calibrated"
	case StateManualMode:
		return "manual"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initializing":
		*s = StateInitializing
	case "calibrated":
		*s = StateCalibrated
	case "manual":
		*s = StateManualMode
	default:
		return fmt.Errorf("unknown calibration state: %q", text)
	}
	return nil
}

// Offer is an action the UI can present next to an error.
type Offer string

const (
	OfferRetry  Offer = "retry"
	OfferManual Offer = "manual"
)

// Errors surfaced through the session snapshot. None of them are fatal; they are
// converted to state at the session boundary and never returned to observers.
var (
	ErrLocationDenied               = errors.New("location permission denied")
	ErrLocationUnavailable          = errors.New("location unavailable")
	ErrLocationTimeout              = errors.New("location request timed out")
	ErrOrientationPermissionDenied  = errors.New("orientation permission denied")
	ErrNoOrientationSignal          = errors.New("no orientation signal")
	ErrDeviceOrientationUnsupported = errors.New("device orientation unsupported")

	// ErrDisposed is returned by Start after Dispose.
	ErrDisposed = errors.New("session disposed")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrLocationDenied, "location_denied"},
	{ErrLocationUnavailable, "location_unavailable"},
	{ErrLocationTimeout, "location_timeout"},
	{ErrOrientationPermissionDenied, "orientation_permission_denied"},
	{ErrNoOrientationSignal, "no_orientation_signal"},
	{ErrDeviceOrientationUnsupported, "device_orientation_unsupported"},
}

// Code returns the stable wire code for a session error, or "" for nil.
// Errors outside the taxonomy map to "unknown".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "unknown"
}

// FromCode is the inverse of Code. It returns nil for "" and unknown codes.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// classifyLocationError folds arbitrary location failures into the taxonomy.
func classifyLocationError(err error) error {
	switch {
	case errors.Is(err, ErrLocationDenied),
		errors.Is(err, ErrLocationUnavailable),
		errors.Is(err, ErrLocationTimeout):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
}

func locationMessage(err error) string {
	switch {
	case errors.Is(err, ErrLocationDenied):
		return "Location access was denied. Allow location access and retry."
	case errors.Is(err, ErrLocationTimeout):
		return "Timed out waiting for your location. Retry to try again."
	default:
		return "Your location is currently unavailable. Retry to try again."
	}
}

const orientationDeniedMessage = "Compass access was denied. Retry to grant access, or use manual mode and face north."
