package stream

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
)

// Touch actions.
const (
	ActionTap       = "tap"
	ActionSwipe     = "swipe"
	ActionLongPress = "longPress"
)

const (
	defaultSwipeDuration = 300 * time.Millisecond
	defaultLongPress     = 800 * time.Millisecond
)

// Controller forwards input to a device, in pixels.
type Controller interface {
	Tap(ctx context.Context, deviceID string, x, y int) error
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error
	LongPress(ctx context.Context, deviceID string, x, y int, hold time.Duration) error
	PressKey(ctx context.Context, deviceID string, keycode int) error
	InputText(ctx context.Context, deviceID, text string) error
}

// Touch is a touch request in normalized [0,1] coordinates.
type Touch struct {
	DeviceID string
	Action   string
	X, Y     float64
	X2, Y2   float64
	Duration time.Duration
}

// Key is a key press or text input request.
type Key struct {
	DeviceID string
	Keycode  *int
	Text     string
}

// ControlID is the identifier the command channel knows the device by.
func ControlID(dev device.Device) string {
	if dev.Serial != "" {
		return dev.Serial
	}
	return dev.Address
}

// scale maps a normalized coordinate onto [0, size-1].
func scale(v float64, size int) (int, bool) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, false
	}
	return int(math.Round(v * float64(size-1))), true
}

func (h *Hub) controlTarget(address string) (device.Device, error) {
	if h.control == nil {
		return device.Device{}, errors.New("stream: control channel not configured")
	}
	dev, err := h.onlineDevice(address)
	if err != nil {
		return device.Device{}, err
	}
	if !dev.DisplaySize.Valid() {
		return device.Device{}, errors.Wrapf(ErrInvalidCoordinates, "%s has no known display size", address)
	}
	return dev, nil
}

// Touch validates t against the device display and forwards it.
func (h *Hub) Touch(ctx context.Context, t Touch) error {
	dev, err := h.controlTarget(t.DeviceID)
	if err != nil {
		return err
	}
	w, hgt := dev.DisplaySize.Width, dev.DisplaySize.Height
	x, okX := scale(t.X, w)
	y, okY := scale(t.Y, hgt)
	if !okX || !okY {
		return errors.Wrapf(ErrInvalidCoordinates, "(%g, %g)", t.X, t.Y)
	}
	id := ControlID(dev)

	switch t.Action {
	case ActionTap:
		err = h.control.Tap(ctx, id, x, y)
	case ActionLongPress:
		hold := t.Duration
		if hold <= 0 {
			hold = defaultLongPress
		}
		err = h.control.LongPress(ctx, id, x, y, hold)
	case ActionSwipe:
		x2, okX2 := scale(t.X2, w)
		y2, okY2 := scale(t.Y2, hgt)
		if !okX2 || !okY2 {
			return errors.Wrapf(ErrInvalidCoordinates, "swipe end (%g, %g)", t.X2, t.Y2)
		}
		duration := t.Duration
		if duration <= 0 {
			duration = defaultSwipeDuration
		}
		err = h.control.Swipe(ctx, id, x, y, x2, y2, duration)
	default:
		return errors.Errorf("stream: unknown touch action %q", t.Action)
	}
	if err != nil {
		log.Warn().Err(err).Str("address", dev.Address).Str("action", t.Action).Msg("touch forwarding failed")
		return errors.Wrapf(err, "touch %s", t.Action)
	}
	return nil
}

// Key forwards a keycode or text input.
func (h *Hub) Key(ctx context.Context, k Key) error {
	if h.control == nil {
		return errors.New("stream: control channel not configured")
	}
	dev, err := h.onlineDevice(k.DeviceID)
	if err != nil {
		return err
	}
	id := ControlID(dev)
	switch {
	case k.Keycode != nil:
		if *k.Keycode < 0 {
			return errors.Errorf("stream: invalid keycode %d", *k.Keycode)
		}
		err = h.control.PressKey(ctx, id, *k.Keycode)
	case k.Text != "":
		err = h.control.InputText(ctx, id, k.Text)
	default:
		return errors.New("stream: key message needs keycode or text")
	}
	return errors.Wrap(err, "key")
}
