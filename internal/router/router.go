package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

var (
	ErrNoHandler = errors.New("router: no handler registered")
	ErrExpired   = errors.New("router: envelope expired")
	ErrClosed    = errors.New("router: closed")
)

// Ack error codes.
const (
	CodeHandlerFailed = "HANDLER_FAILED"
	CodeInterrupted   = "INTERRUPTED"
	CodePanic         = "HANDLER_PANIC"
)

// Router outcomes recorded in metrics.
const (
	outcomeRejected   = "rejected"
	outcomeExpired    = "expired"
	outcomeQueued     = "queued"
	outcomeImmediate  = "immediate"
	outcomeCompleted  = "completed"
	outcomeFailed     = "failed"
	outcomePruned     = "pruned"
	outcomeInterrupts = "interrupted"
)

const (
	defaultDrainInterval = 100 * time.Millisecond
	defaultPoolSize      = 4
)

// Handler executes one envelope. ctx is cancelled when a critical envelope
// interrupts it.
type Handler func(ctx context.Context, env envelope.Envelope) error

// HandlerError lets a handler pick the ack error code.
type HandlerError struct {
	Code string
	Err  error
}

func (e *HandlerError) Error() string { return e.Code + ": " + e.Err.Error() }

func (e *HandlerError) Unwrap() error { return e.Err }

// AckSink receives execution results for envelopes that asked for one.
type AckSink interface {
	Ack(ctx context.Context, ack envelope.Ack) error
}

// AckFunc adapts a function to AckSink.
type AckFunc func(ctx context.Context, ack envelope.Ack) error

func (f AckFunc) Ack(ctx context.Context, ack envelope.Ack) error { return f(ctx, ack) }

// Config tunes the router.
type Config struct {
	Version       string
	DrainInterval time.Duration
	PoolSize      int
}

func (c *Config) normalise() {
	if c.Version == "" {
		c.Version = envelope.Version
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaultDrainInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Queued      int         `json:"queued"`
	Busy        bool        `json:"busy"`
	InFlight    int64       `json:"inFlight"`
	Active      *ActiveTask `json:"active,omitempty"`
	Dispatched  uint64      `json:"dispatched"`
	Completed   uint64      `json:"completed"`
	Failed      uint64      `json:"failed"`
	Pruned      uint64      `json:"pruned"`
	Rejected    uint64      `json:"rejected"`
	Interrupted uint64      `json:"interrupted"`
}

// Router receives envelopes on the device and executes them by priority.
// Urgent and critical envelopes bypass the queue and run on a bounded pool;
// everything else is drained one at a time on a fixed tick.
type Router struct {
	cfg   Config
	acks  AckSink
	state *StateHolder
	pool  *semaphore.Weighted
	now   func() time.Time

	handlersMu sync.RWMutex
	handlers   map[envelope.Type]Handler

	queueMu sync.Mutex
	queue   priorityQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight   atomic.Int64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	pruned     atomic.Uint64
	rejected   atomic.Uint64
}

// Option customises a Router.
type Option func(*Router)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router. acks may be nil.
func New(cfg Config, acks AckSink, opts ...Option) *Router {
	cfg.normalise()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		acks:     acks,
		state:    &StateHolder{},
		pool:     semaphore.NewWeighted(int64(cfg.PoolSize)),
		now:      time.Now,
		handlers: make(map[envelope.Type]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State exposes the active-task holder.
func (r *Router) State() *StateHolder {
	return r.state
}

// RegisterHandler binds h to typ, replacing any previous handler.
func (r *Router) RegisterHandler(typ envelope.Type, h Handler) error {
	if !typ.Valid() {
		return errors.Wrapf(envelope.ErrUnknownType, "%q", typ)
	}
	if h == nil {
		return errors.New("router: nil handler")
	}
	r.handlersMu.Lock()
	r.handlers[typ] = h
	r.handlersMu.Unlock()
	return nil
}

func (r *Router) handler(typ envelope.Type) (Handler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Route validates env and either dispatches it immediately (priority >=
// urgent) or queues it. Critical envelopes first interrupt the active task.
// Rejected envelopes never reach a handler and never produce an ack.
func (r *Router) Route(env envelope.Envelope) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if err := env.Validate(r.cfg.Version); err != nil {
		r.reject(env, err)
		return err
	}
	h, ok := r.handler(env.Type)
	if !ok {
		err := errors.Wrapf(ErrNoHandler, "%s", env.Type)
		r.reject(env, err)
		return err
	}
	if env.Expired(r.now()) {
		r.pruned.Add(1)
		metrics.IncEnvelope(outcomeExpired)
		log.Info().Str("envelope_id", env.ID).Msg("envelope expired on arrival")
		return errors.Wrapf(ErrExpired, "%s", env.ID)
	}

	if env.Priority >= envelope.PriorityUrgent {
		if env.Priority == envelope.PriorityCritical {
			if victim, ok := r.state.Interrupt(); ok {
				metrics.IncEnvelope(outcomeInterrupts)
				log.Warn().Str("envelope_id", env.ID).Str("interrupted", victim.EnvelopeID).Msg("critical envelope interrupted active task")
			}
		}
		metrics.IncEnvelope(outcomeImmediate)
		r.dispatchImmediate(env, h)
		return nil
	}

	r.queueMu.Lock()
	r.queue.push(env)
	depth := r.queue.len()
	r.queueMu.Unlock()
	metrics.IncEnvelope(outcomeQueued)
	log.Debug().Str("envelope_id", env.ID).Int("priority", int(env.Priority)).Int("queued", depth).Msg("envelope queued")
	return nil
}

func (r *Router) reject(env envelope.Envelope, err error) {
	r.rejected.Add(1)
	metrics.IncEnvelope(outcomeRejected)
	log.Warn().Err(err).Str("envelope_id", env.ID).Msg("envelope rejected")
}

// dispatchImmediate runs env on the bounded pool, not gated by the queued
// lane.
func (r *Router) dispatchImmediate(env envelope.Envelope, h Handler) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pool.Acquire(r.ctx, 1); err != nil {
			return
		}
		defer r.pool.Release(1)
		r.execute(env, h)
	}()
}

// Run drains the queue on every tick until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.DrainInterval)
	defer ticker.Stop()
	log.Info().Dur("drain_interval", r.cfg.DrainInterval).Int("pool_size", r.cfg.PoolSize).Msg("router started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		case <-ticker.C:
			r.Drain()
		}
	}
}

// Drain prunes expired entries, then starts the next queued envelope if the
// queued lane is free. It reports whether an envelope was started.
func (r *Router) Drain() bool {
	now := r.now()
	r.queueMu.Lock()
	expired := r.queue.prune(now)
	r.queueMu.Unlock()
	for _, env := range expired {
		r.pruned.Add(1)
		metrics.IncEnvelope(outcomePruned)
		log.Info().Str("envelope_id", env.ID).Msg("queued envelope expired")
	}

	if !r.state.TryReserve() {
		return false
	}
	r.queueMu.Lock()
	env, ok := r.queue.pop()
	r.queueMu.Unlock()
	if !ok {
		r.state.Release()
		return false
	}
	h, ok := r.handler(env.Type)
	if !ok {
		r.state.Release()
		r.reject(env, errors.Wrapf(ErrNoHandler, "%s", env.Type))
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.state.Release()
		r.execute(env, h)
	}()
	return true
}

// execute runs h with the active slot held for its duration.
func (r *Router) execute(env envelope.Envelope, h Handler) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	r.dispatched.Add(1)

	token := r.state.Begin(env, cancel, r.now())
	err := func() (err error) {
		defer r.state.End(token)
		defer func() {
			if p := recover(); p != nil {
				err = &HandlerError{Code: CodePanic, Err: fmt.Errorf("%v", p)}
			}
		}()
		return h(ctx, env)
	}()

	if err != nil {
		r.failed.Add(1)
		metrics.IncEnvelope(outcomeFailed)
		log.Warn().Err(err).Str("envelope_id", env.ID).Str("type", string(env.Type)).Msg("envelope handler failed")
	} else {
		r.completed.Add(1)
		metrics.IncEnvelope(outcomeCompleted)
		log.Info().Str("envelope_id", env.ID).Str("type", string(env.Type)).Msg("envelope handled")
	}
	if env.AckRequired {
		r.emitAck(buildAck(ctx, env, err, r.now()))
	}
}

func buildAck(ctx context.Context, env envelope.Envelope, err error, now time.Time) envelope.Ack {
	ack := envelope.Ack{EnvelopeID: env.ID, Status: envelope.AckSuccess, CompletedAt: now.UnixMilli()}
	if err == nil {
		return ack
	}
	ack.Status = envelope.AckFailure
	ack.ErrorMessage = err.Error()
	var herr *HandlerError
	switch {
	case errors.As(err, &herr):
		ack.ErrorCode = herr.Code
		ack.ErrorMessage = herr.Err.Error()
	case ctx.Err() != nil:
		ack.ErrorCode = CodeInterrupted
	default:
		ack.ErrorCode = CodeHandlerFailed
	}
	return ack
}

func (r *Router) emitAck(ack envelope.Ack) {
	if r.acks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.acks.Ack(ctx, ack); err != nil {
		log.Error().Err(err).Str("envelope_id", ack.EnvelopeID).Msg("emit ack failed")
	}
}

// Stats returns counters and the current slot owner.
func (r *Router) Stats() Stats {
	r.queueMu.Lock()
	queued := r.queue.len()
	r.queueMu.Unlock()
	st := Stats{
		Queued:      queued,
		Busy:        r.state.Busy(),
		InFlight:    r.inFlight.Load(),
		Dispatched:  r.dispatched.Load(),
		Completed:   r.completed.Load(),
		Failed:      r.failed.Load(),
		Pruned:      r.pruned.Load(),
		Rejected:    r.rejected.Load(),
		Interrupted: r.state.Interrupts(),
	}
	if active, ok := r.state.Active(); ok {
		st.Active = &active
	}
	return st
}

// Close cancels running handlers and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every started handler has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
