package doai

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// SafeGroup runs long-lived workers on an errgroup. A worker that panics is
// restarted with backoff and does not cancel its siblings; a worker that
// returns an error cancels the group.
type SafeGroup struct {
	group    *errgroup.Group
	ctx      context.Context
	parent   context.Context
	restarts atomic.Int64
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{group: group, ctx: groupCtx, parent: ctx}
}

// Context is canceled when the parent is done or a worker fails.
func (sg *SafeGroup) Context() context.Context {
	return sg.ctx
}

// Restarts counts panics recovered so far.
func (sg *SafeGroup) Restarts() int64 {
	return sg.restarts.Load()
}

// Go starts a supervised worker.
func (sg *SafeGroup) Go(name string, fn func(context.Context) error) {
	if sg == nil || fn == nil {
		return
	}
	sg.group.Go(func() error {
		backoff := restartBackoff
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovered(sg.ctx, fn)
			if recovered == nil {
				if err != nil {
					return errors.Wrapf(err, "worker %s", name)
				}
				return nil
			}
			sg.restarts.Add(1)
			// zerolog may be the thing that panicked
			_, _ = fmt.Fprintf(os.Stderr, "WARN: worker %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			jitter := time.Duration(time.Now().UnixNano() % int64(backoff/2+1))
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(backoff + jitter):
			}
			backoff = min(backoff*2, maxRestartBackoff)
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

// Wait blocks until every worker has returned.
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}

// WaitOrInterrupt waits for the workers. Once the parent context is done it
// waits at most grace before returning the parent's error.
func (sg *SafeGroup) WaitOrInterrupt(grace time.Duration) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- sg.group.Wait() }()

	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-sg.parent.Done():
	}
	if grace <= 0 {
		return sg.parent.Err()
	}
	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-time.After(grace):
		return sg.parent.Err()
	}
}

// normalize folds cancellation caused by the parent into parent.Err() so a
// real worker failure stays distinguishable from an interrupt.
func (sg *SafeGroup) normalize(err error) error {
	if err == nil {
		return nil
	}
	if sg.parent.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return sg.parent.Err()
	}
	return err
}
