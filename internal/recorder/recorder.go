package recorder

import (
	"context"
	"time"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/tasks"
)

// TaskEvent is one recorded task transition.
type TaskEvent struct {
	TaskID   string       `json:"taskId"`
	Type     string       `json:"type"`
	Priority int          `json:"priority"`
	Status   tasks.Status `json:"status"`
	DeviceID string       `json:"deviceId,omitempty"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

// Recorder persists device snapshots and task transitions for audit.
type Recorder interface {
	RecordDevice(ctx context.Context, dev device.Device) error
	ForgetDevice(ctx context.Context, address string) error
	RecordTask(ctx context.Context, task tasks.Task) error
	TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error)
	// KnownAddresses returns the networked devices seen before, so they can
	// be probed again after a restart.
	KnownAddresses(ctx context.Context) ([]device.Device, error)
	Close() error
}

// Noop is used when storage is disabled.
type Noop struct{}

func (Noop) RecordDevice(ctx context.Context, dev device.Device) error   { return nil }
func (Noop) ForgetDevice(ctx context.Context, address string) error      { return nil }
func (Noop) RecordTask(ctx context.Context, task tasks.Task) error       { return nil }
func (Noop) Close() error                                                { return nil }
func (Noop) KnownAddresses(ctx context.Context) ([]device.Device, error) { return nil, nil }

func (Noop) TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error) {
	return nil, nil
}
