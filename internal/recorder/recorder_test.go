package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
	"github.com/exe-blue/doai-me-app-sub000/internal/tasks"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "fleet.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTaskHistoryKeepsTransitionOrder(t *testing.T) {
	store := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := tasks.Task{ID: "t-1", Type: envelope.TypePop, Priority: 3}
	steps := []struct {
		status tasks.Status
		device string
		err    string
	}{
		{tasks.StatusPending, "", ""},
		{tasks.StatusAssigned, "SER1", ""},
		{tasks.StatusFailed, "SER1", "E_HANDLER: boom"},
	}
	for i, step := range steps {
		task.Status = step.status
		task.DeviceID = step.device
		task.Error = step.err
		task.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.RecordTask(ctx, task); err != nil {
			t.Fatalf("record %s: %v", step.status, err)
		}
	}
	other := tasks.Task{ID: "t-2", Type: envelope.TypeSystem, Priority: 5, Status: tasks.StatusPending}
	if err := store.RecordTask(ctx, other); err != nil {
		t.Fatalf("record other: %v", err)
	}

	history, err := store.TaskHistory(ctx, "t-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(history))
	}
	for i, ev := range history {
		if ev.Status != steps[i].status {
			t.Fatalf("event %d status = %s, want %s", i, ev.Status, steps[i].status)
		}
		if !ev.At.Equal(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d at = %s", i, ev.At)
		}
	}
	if last := history[2]; last.DeviceID != "SER1" || last.Error != "E_HANDLER: boom" || last.Priority != 3 {
		t.Fatalf("unexpected last event %+v", last)
	}
	empty, err := store.TaskHistory(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty history, got %v %v", empty, err)
	}
}

func TestDeviceUpsertAndKnownAddresses(t *testing.T) {
	store := openTemp(t)
	ctx := context.Background()
	wifi := device.Device{Address: "10.0.0.5:5555", Transport: device.TransportWiFi, Status: device.StatusConnecting}
	cable := device.Device{Address: "R58M12", Serial: "R58M12", Transport: device.TransportCable, Status: device.StatusOnline}
	lan := device.Device{Address: "192.168.1.20:5555", Transport: device.TransportLAN, Status: device.StatusOnline}
	for _, dev := range []device.Device{wifi, cable, lan} {
		if err := store.RecordDevice(ctx, dev); err != nil {
			t.Fatalf("record %s: %v", dev.Address, err)
		}
	}
	wifi.Status = device.StatusOnline
	wifi.Model = "SM-G960N"
	wifi.ConnectedAt = time.Now()
	if err := store.RecordDevice(ctx, wifi); err != nil {
		t.Fatalf("update wifi: %v", err)
	}

	known, err := store.KnownAddresses(ctx)
	if err != nil {
		t.Fatalf("known: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("expected 2 networked devices, got %+v", known)
	}
	if known[0].Address != "10.0.0.5:5555" || known[0].Model != "SM-G960N" || known[0].Transport != device.TransportWiFi {
		t.Fatalf("unexpected first device %+v", known[0])
	}
	if known[1].Transport != device.TransportLAN {
		t.Fatalf("unexpected second device %+v", known[1])
	}

	if err := store.ForgetDevice(ctx, wifi.Address); err != nil {
		t.Fatalf("forget: %v", err)
	}
	known, err = store.KnownAddresses(ctx)
	if err != nil || len(known) != 1 || known[0].Address != lan.Address {
		t.Fatalf("forgotten device still known: %+v %v", known, err)
	}
}

func TestResolveDatabasePathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom", "audit.sqlite")
	t.Setenv(envDBPath, path)
	got, err := ResolveDatabasePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != path {
		t.Fatalf("got %s want %s", got, path)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errString("database is locked"), true},
		{"busy code", errors.Wrap(errString("SQLITE_BUSY: retry"), "exec"), true},
		{"other", errString("no such table"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = Noop{}
	if err := r.RecordTask(context.Background(), tasks.Task{ID: "x"}); err != nil {
		t.Fatalf("noop record: %v", err)
	}
	history, err := r.TaskHistory(context.Background(), "x")
	if err != nil || history != nil {
		t.Fatalf("noop history: %v %v", history, err)
	}
}
