package doai

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSafeGroupRestartsPanickingWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sg := NewSafeGroup(ctx)
	var runs atomic.Int32
	sg.Go("flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("worker was not restarted")
	}
	if sg.Restarts() != 1 {
		t.Fatalf("restarts = %d", sg.Restarts())
	}
	cancel()
	if err := sg.WaitOrInterrupt(time.Second); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected wait error %v", err)
	}
}

func TestSafeGroupErrorCancelsSiblings(t *testing.T) {
	sg := NewSafeGroup(context.Background())
	boom := errors.New("listen failed")
	sg.Go("http", func(ctx context.Context) error { return boom })
	sg.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	err := sg.WaitOrInterrupt(time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestWaitOrInterruptHonoursGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sg := NewSafeGroup(ctx)
	release := make(chan struct{})
	defer close(release)
	sg.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})
	cancel()
	start := time.Now()
	if err := sg.WaitOrInterrupt(50 * time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("grace period not honoured")
	}
}
