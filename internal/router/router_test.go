package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

type ackRecorder struct {
	mu   sync.Mutex
	acks []envelope.Ack
}

func (a *ackRecorder) Ack(ctx context.Context, ack envelope.Ack) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
	return nil
}

func (a *ackRecorder) find(id string) (envelope.Ack, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ack := range a.acks {
		if ack.EnvelopeID == id {
			return ack, true
		}
	}
	return envelope.Ack{}, false
}

func (a *ackRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEnvelope(typ envelope.Type, prio envelope.Priority, ack bool) envelope.Envelope {
	env := envelope.New(typ, prio, json.RawMessage(`{}`))
	env.AckRequired = ack
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockingHandler blocks until released or interrupted.
type blockingHandler struct {
	started chan string
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blockingHandler) handle(ctx context.Context, env envelope.Envelope) error {
	b.started <- env.ID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRouteRejectsOutOfRangePriority(t *testing.T) {
	acks := &ackRecorder{}
	r := New(Config{}, acks)
	defer r.Close()
	var calls atomic.Int32
	_ = r.RegisterHandler(envelope.TypePop, func(ctx context.Context, env envelope.Envelope) error {
		calls.Add(1)
		return nil
	})

	for _, p := range []envelope.Priority{0, 6} {
		err := r.Route(newEnvelope(envelope.TypePop, p, true))
		if !errors.Is(err, envelope.ErrInvalidPriority) {
			t.Fatalf("priority %d: expected ErrInvalidPriority, got %v", p, err)
		}
	}
	bad := newEnvelope(envelope.TypePop, 2, true)
	bad.Version = "2.0"
	if err := r.Route(bad); !errors.Is(err, envelope.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if err := r.Route(newEnvelope("REBOOT", 2, true)); !errors.Is(err, envelope.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err := r.Route(newEnvelope(envelope.TypeSystem, 2, true)); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	r.Drain()
	r.Wait()
	if calls.Load() != 0 || acks.count() != 0 {
		t.Fatalf("rejected envelopes reached a handler or produced acks")
	}
	if r.Stats().Rejected != 5 {
		t.Fatalf("rejected = %d", r.Stats().Rejected)
	}
}

func TestQueueDrainsByPriorityThenArrival(t *testing.T) {
	r := New(Config{}, nil)
	defer r.Close()
	var mu sync.Mutex
	var order []string
	_ = r.RegisterHandler(envelope.TypePop, func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		order = append(order, env.ID)
		mu.Unlock()
		return nil
	})

	low := newEnvelope(envelope.TypePop, envelope.PriorityLow, false)
	high1 := newEnvelope(envelope.TypePop, envelope.PriorityHigh, false)
	high2 := newEnvelope(envelope.TypePop, envelope.PriorityHigh, false)
	for _, env := range []envelope.Envelope{low, high1, high2} {
		if err := r.Route(env); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if !r.Drain() {
			t.Fatalf("drain %d started nothing", i)
		}
		r.Wait()
	}
	want := []string{high1.ID, high2.ID, low.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, order[i], want[i])
		}
	}
}

func TestQueuedLaneRunsOneAtATime(t *testing.T) {
	r := New(Config{}, nil)
	defer r.Close()
	b := newBlockingHandler()
	_ = r.RegisterHandler(envelope.TypePop, b.handle)

	_ = r.Route(newEnvelope(envelope.TypePop, envelope.PriorityNormal, false))
	_ = r.Route(newEnvelope(envelope.TypePop, envelope.PriorityNormal, false))
	if !r.Drain() {
		t.Fatalf("first drain should start a task")
	}
	<-b.started
	if r.Drain() {
		t.Fatalf("busy lane must not start a second queued task")
	}
	if st := r.Stats(); !st.Busy || st.Queued != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	close(b.release)
	waitFor(t, "lane release", func() bool { return !r.State().Busy() })
	if !r.Drain() {
		t.Fatalf("free lane should start the next task")
	}
	r.Wait()
}

func TestCriticalInterruptsActiveTask(t *testing.T) {
	acks := &ackRecorder{}
	r := New(Config{}, acks)
	defer r.Close()
	b := newBlockingHandler()
	_ = r.RegisterHandler(envelope.TypePop, b.handle)
	var critRan atomic.Bool
	_ = r.RegisterHandler(envelope.TypeSystem, func(ctx context.Context, env envelope.Envelope) error {
		critRan.Store(true)
		return nil
	})

	queued := newEnvelope(envelope.TypePop, envelope.PriorityNormal, true)
	_ = r.Route(queued)
	r.Drain()
	<-b.started
	if active, ok := r.State().Active(); !ok || active.EnvelopeID != queued.ID {
		t.Fatalf("queued task should own the active slot")
	}

	critical := newEnvelope(envelope.TypeSystem, envelope.PriorityCritical, true)
	if err := r.Route(critical); err != nil {
		t.Fatalf("route critical: %v", err)
	}
	waitFor(t, "interrupted ack", func() bool { _, ok := acks.find(queued.ID); return ok })
	ack, _ := acks.find(queued.ID)
	if ack.Status != envelope.AckFailure || ack.ErrorCode != CodeInterrupted {
		t.Fatalf("interrupted task ack = %+v", ack)
	}
	waitFor(t, "critical ack", func() bool { _, ok := acks.find(critical.ID); return ok })
	if !critRan.Load() {
		t.Fatalf("critical handler did not run")
	}
	if r.Stats().Interrupted != 1 {
		t.Fatalf("interrupts = %d", r.Stats().Interrupted)
	}
}

func TestUrgentBypassesQueueWithoutInterrupting(t *testing.T) {
	acks := &ackRecorder{}
	r := New(Config{}, acks)
	defer r.Close()
	b := newBlockingHandler()
	_ = r.RegisterHandler(envelope.TypePop, b.handle)
	_ = r.RegisterHandler(envelope.TypeAccident, func(ctx context.Context, env envelope.Envelope) error { return nil })

	queued := newEnvelope(envelope.TypePop, envelope.PriorityNormal, true)
	_ = r.Route(queued)
	r.Drain()
	<-b.started

	urgent := newEnvelope(envelope.TypeAccident, envelope.PriorityUrgent, true)
	if err := r.Route(urgent); err != nil {
		t.Fatalf("route urgent: %v", err)
	}
	waitFor(t, "urgent ack", func() bool { _, ok := acks.find(urgent.ID); return ok })
	if _, ok := acks.find(queued.ID); ok {
		t.Fatalf("urgent envelope must not interrupt the running task")
	}
	if !r.State().Busy() {
		t.Fatalf("queued lane should still be busy")
	}
	if r.Stats().Interrupted != 0 {
		t.Fatalf("urgent counted as interrupt")
	}
	close(b.release)
	waitFor(t, "queued ack", func() bool { _, ok := acks.find(queued.ID); return ok })
	if ack, _ := acks.find(queued.ID); !ack.Succeeded() {
		t.Fatalf("queued task should succeed: %+v", ack)
	}
}

func TestExpiredEnvelopeIsPrunedWithoutAck(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	acks := &ackRecorder{}
	r := New(Config{}, acks, WithClock(clock.Now))
	defer r.Close()
	var calls atomic.Int32
	_ = r.RegisterHandler(envelope.TypePop, func(ctx context.Context, env envelope.Envelope) error {
		calls.Add(1)
		return nil
	})

	env := newEnvelope(envelope.TypePop, envelope.PriorityNormal, true)
	env.Timestamp = clock.Now().UnixMilli()
	env = env.WithTTL(5 * time.Second)
	if err := r.Route(env); err != nil {
		t.Fatalf("route: %v", err)
	}
	clock.Advance(10 * time.Second)
	if r.Drain() {
		t.Fatalf("expired envelope must not be dispatched")
	}
	r.Wait()
	if calls.Load() != 0 || acks.count() != 0 {
		t.Fatalf("pruned envelope reached a handler or produced an ack")
	}
	if st := r.Stats(); st.Pruned != 1 || st.Queued != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	late := newEnvelope(envelope.TypePop, envelope.PriorityNormal, true)
	late.Timestamp = clock.Now().Add(-time.Minute).UnixMilli()
	late = late.WithTTL(5 * time.Second)
	if err := r.Route(late); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on arrival, got %v", err)
	}
}

func TestImmediatePoolIsBounded(t *testing.T) {
	r := New(Config{PoolSize: 2}, nil)
	b := newBlockingHandler()
	var running, peak atomic.Int32
	_ = r.RegisterHandler(envelope.TypeAccident, func(ctx context.Context, env envelope.Envelope) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		return b.handle(ctx, env)
	})
	for i := 0; i < 5; i++ {
		_ = r.Route(newEnvelope(envelope.TypeAccident, envelope.PriorityUrgent, false))
	}
	<-b.started
	<-b.started
	time.Sleep(20 * time.Millisecond)
	if peak.Load() != 2 {
		t.Fatalf("peak concurrency = %d, want 2", peak.Load())
	}
	close(b.release)
	r.Wait()
	if r.Stats().Completed != 5 {
		t.Fatalf("completed = %d", r.Stats().Completed)
	}
	r.Close()
}

func TestHandlerFailuresProduceAcks(t *testing.T) {
	acks := &ackRecorder{}
	r := New(Config{}, acks)
	defer r.Close()
	_ = r.RegisterHandler(envelope.TypeCommission, func(ctx context.Context, env envelope.Envelope) error {
		return &HandlerError{Code: "E_QUOTA", Err: errors.New("quota exceeded")}
	})
	_ = r.RegisterHandler(envelope.TypePop, func(ctx context.Context, env envelope.Envelope) error {
		panic("boom")
	})

	coded := newEnvelope(envelope.TypeCommission, envelope.PriorityUrgent, true)
	panicky := newEnvelope(envelope.TypePop, envelope.PriorityUrgent, true)
	_ = r.Route(coded)
	_ = r.Route(panicky)
	r.Wait()

	if ack, _ := acks.find(coded.ID); ack.ErrorCode != "E_QUOTA" || ack.ErrorMessage != "quota exceeded" {
		t.Fatalf("coded ack = %+v", ack)
	}
	if ack, _ := acks.find(panicky.ID); ack.ErrorCode != CodePanic {
		t.Fatalf("panic ack = %+v", ack)
	}
	if _, ok := r.State().Active(); ok {
		t.Fatalf("active slot must be cleared after failures")
	}
}

func TestHTTPHandler(t *testing.T) {
	r := New(Config{}, nil)
	defer r.Close()
	_ = r.RegisterHandler(envelope.TypePop, func(ctx context.Context, env envelope.Envelope) error { return nil })
	srv := httptest.NewServer(NewHTTPHandler(r))
	defer srv.Close()

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/v1/envelopes", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(`{"version":"1.0","id":"a","timestamp":1,"type":"POP","priority":6}`); code != http.StatusBadRequest {
		t.Fatalf("priority 6 status = %d", code)
	}
	if code := post(`not json`); code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", code)
	}
	if code := post(`{"version":"1.0","id":"b","timestamp":1,"type":"SYSTEM","priority":2}`); code != http.StatusNotImplemented {
		t.Fatalf("no handler status = %d", code)
	}
	if code := post(`{"version":"1.0","id":"c","timestamp":1,"type":"POP","priority":2}`); code != http.StatusAccepted {
		t.Fatalf("valid status = %d", code)
	}

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Queued != 1 || st.Rejected != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHTTPAckSinkPostsToControlPlane(t *testing.T) {
	var got envelope.Ack
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewHTTPAckSink(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ack := envelope.Ack{EnvelopeID: "task-1", Status: envelope.AckSuccess, CompletedAt: 42}
	if err := sink.Ack(context.Background(), ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if path != "/api/tasks/task-1/ack" || got.EnvelopeID != "task-1" {
		t.Fatalf("posted %s %+v", path, got)
	}
	if _, err := NewHTTPAckSink(" ", nil); err == nil {
		t.Fatalf("empty url accepted")
	}
}
