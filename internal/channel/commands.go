package channel

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

// Endpoint actions.
const (
	ActionList           = "List"
	ActionPointer        = "PointerEvent"
	ActionADB            = "adb"
	ActionInputText      = "InputText"
	ActionWriteClipboard = "writeclipboard"
	ActionEnvelope       = "envelope"
)

// Pointer masks understood by the endpoint.
const (
	pointerDown = 0
	pointerMove = 1
	pointerUp   = 2
)

const swipeSteps = 8

// ListDevices returns the endpoint's raw device list.
func (a *Adapter) ListDevices(ctx context.Context) (json.RawMessage, error) {
	resp, err := a.SendCommand(ctx, Command{Action: ActionList}, 0)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (a *Adapter) pointer(ctx context.Context, deviceID string, mask, x, y int) error {
	_, err := a.SendCommand(ctx, Command{
		Action: ActionPointer,
		Comm: map[string]any{
			"deviceIds": deviceID,
			"mask":      strconv.Itoa(mask),
			"x":         x,
			"y":         y,
		},
	}, 0)
	return err
}

// Tap presses and releases at pixel (x, y).
func (a *Adapter) Tap(ctx context.Context, deviceID string, x, y int) error {
	if err := a.pointer(ctx, deviceID, pointerDown, x, y); err != nil {
		return errors.Wrap(err, "tap down")
	}
	return errors.Wrap(a.pointer(ctx, deviceID, pointerUp, x, y), "tap up")
}

// LongPress holds at (x, y) for hold before releasing.
func (a *Adapter) LongPress(ctx context.Context, deviceID string, x, y int, hold time.Duration) error {
	if err := a.pointer(ctx, deviceID, pointerDown, x, y); err != nil {
		return errors.Wrap(err, "long press down")
	}
	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}
	return errors.Wrap(a.pointer(ctx, deviceID, pointerUp, x, y), "long press up")
}

// Swipe drags from (x1, y1) to (x2, y2) over duration.
func (a *Adapter) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	if err := a.pointer(ctx, deviceID, pointerDown, x1, y1); err != nil {
		return errors.Wrap(err, "swipe down")
	}
	step := duration / swipeSteps
	for i := 1; i < swipeSteps; i++ {
		if step > 0 {
			select {
			case <-time.After(step):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		x := x1 + (x2-x1)*i/swipeSteps
		y := y1 + (y2-y1)*i/swipeSteps
		if err := a.pointer(ctx, deviceID, pointerMove, x, y); err != nil {
			return errors.Wrap(err, "swipe move")
		}
	}
	return errors.Wrap(a.pointer(ctx, deviceID, pointerUp, x2, y2), "swipe up")
}

// ExecuteShell runs an adb shell command through the endpoint.
func (a *Adapter) ExecuteShell(ctx context.Context, deviceID, command string) (string, error) {
	resp, err := a.SendCommand(ctx, Command{
		Action: ActionADB,
		Comm:   map[string]any{"deviceIds": deviceID, "command": command},
	}, 0)
	if err != nil {
		return "", err
	}
	var out string
	if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &out) == nil {
		return out, nil
	}
	return string(resp.Result), nil
}

// PressKey sends an Android keycode.
func (a *Adapter) PressKey(ctx context.Context, deviceID string, keycode int) error {
	_, err := a.ExecuteShell(ctx, deviceID, "input keyevent "+strconv.Itoa(keycode))
	return err
}

// InputText types text into the focused field.
func (a *Adapter) InputText(ctx context.Context, deviceID, text string) error {
	_, err := a.SendCommand(ctx, Command{
		Action: ActionInputText,
		Comm:   map[string]any{"deviceIds": deviceID, "content": text},
	}, 0)
	return err
}

// SetClipboard writes text to the device clipboard.
func (a *Adapter) SetClipboard(ctx context.Context, deviceID, text string) error {
	_, err := a.SendCommand(ctx, Command{
		Action: ActionWriteClipboard,
		Comm:   map[string]any{"deviceIds": deviceID, "content": text},
	}, 0)
	return err
}

// SendEnvelope delivers a command envelope to the device's router.
func (a *Adapter) SendEnvelope(ctx context.Context, deviceID string, env envelope.Envelope) error {
	_, err := a.SendCommand(ctx, Command{
		Action: ActionEnvelope,
		Comm:   map[string]any{"deviceIds": deviceID, "envelope": env},
	}, 0)
	return err
}
