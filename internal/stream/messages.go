package stream

import (
	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
)

// Message types exchanged with viewers.
const (
	TypeSubscribe      = "stream:subscribe"
	TypeUnsubscribe    = "stream:unsubscribe"
	TypeQuality        = "stream:quality"
	TypeSubscribed     = "stream:subscribed"
	TypeTouch          = "control:touch"
	TypeKey            = "control:key"
	TypeDevicesUpdated = "devices:updated"
	TypeError          = "error"
)

// Error codes sent in error messages.
const (
	CodeDeviceOffline      = "DEVICE_OFFLINE"
	CodeUnknownDevice      = "UNKNOWN_DEVICE"
	CodeInvalidCoordinates = "INVALID_COORDINATES"
	CodeUnknownQuality     = "UNKNOWN_QUALITY"
	CodeNoSession          = "NO_SESSION"
	CodeCaptureFailed      = "CAPTURE_FAILED"
	CodeControlFailed      = "CONTROL_FAILED"
	CodeControlBusy        = "CONTROL_BUSY"
	CodeBadMessage         = "BAD_MESSAGE"
	CodeUnknownType        = "UNKNOWN_TYPE"
)

// clientMessage is the union of every viewer → server message.
type clientMessage struct {
	Type     string   `json:"type"`
	Devices  []string `json:"devices,omitempty"`
	Quality  string   `json:"quality,omitempty"`
	DeviceID string   `json:"deviceId,omitempty"`

	Action   string  `json:"action,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	X2       float64 `json:"x2"`
	Y2       float64 `json:"y2"`
	Duration int     `json:"duration,omitempty"` // milliseconds

	Keycode *int   `json:"keycode,omitempty"`
	Text    string `json:"text,omitempty"`
}

// DevicesUpdated is the device-list feed message.
type DevicesUpdated struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Device  *device.Device  `json:"device,omitempty"`
	Devices []device.Device `json:"devices,omitempty"`
	Count   int             `json:"count"`
}

// Subscribed confirms a subscription and tells the viewer which frame hash
// carries the device.
type Subscribed struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Hash     uint32 `json:"hash"`
	Quality  string `json:"quality"`
}

// ErrorMessage reports a failed request or a torn down session.
type ErrorMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	DeviceID string `json:"deviceId,omitempty"`
}

func newError(code, deviceID, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message, DeviceID: deviceID}
}

// errorCode maps hub errors onto wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, ErrDeviceOffline):
		return CodeDeviceOffline
	case errors.Is(err, ErrInvalidCoordinates):
		return CodeInvalidCoordinates
	case errors.Is(err, ErrUnknownQuality):
		return CodeUnknownQuality
	case errors.Is(err, ErrNoSession):
		return CodeNoSession
	case errors.Is(err, ErrCaptureStart):
		return CodeCaptureFailed
	default:
		return CodeControlFailed
	}
}
