// Package streaming defines the websocket protocol spoken between a device and
// its compass session.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type constants matching the streaming protocol.
const (
	// device -> server
	TypeHello         = "hello"
	TypeLocation      = "location"
	TypeLocationError = "location_error"
	TypeOrientation   = "orientation"
	TypePermission    = "permission"
	TypeRetry         = "retry"
	TypeManual        = "manual"

	// server -> device
	TypeState             = "state"
	TypeAck               = "ack"
	TypeError             = "error"
	TypePermissionRequest = "permission_request"
)

// Location error codes sent by the device.
const (
	LocationDenied      = "denied"
	LocationUnavailable = "unavailable"
	LocationTimeout     = "timeout"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an envelope of the given type. A nil payload is omitted.
func Encode(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// ErrorMessage reports a rejected message.
type ErrorMessage struct {
	Type  string `json:"type"` // always "error"
	For   string `json:"for,omitempty"`
	Error string `json:"error"`
}

// HelloPayload describes the device's capabilities. It must be the first message.
type HelloPayload struct {
	Device               string `json:"device,omitempty"`
	Platform             string `json:"platform,omitempty"`
	UserAgent            string `json:"userAgent,omitempty"`
	OrientationSupported bool   `json:"orientationSupported"`
	PermissionRequired   bool   `json:"permissionRequired"`
}

// LocationPayload is one position fix.
type LocationPayload struct {
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyMeters float64    `json:"accuracyMeters,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// LocationErrorPayload reports a failed position request.
type LocationErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// OrientationPayload is one raw device-orientation event. Absent fields are null.
type OrientationPayload struct {
	Alpha          *float64 `json:"alpha"`
	Beta           *float64 `json:"beta"`
	Gamma          *float64 `json:"gamma"`
	CompassHeading *float64 `json:"compassHeading,omitempty"`
}

// PermissionPayload answers a permission_request.
type PermissionPayload struct {
	Granted bool `json:"granted"`
}
