package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
)

var (
	ErrTimeout      = errors.New("channel: command timed out")
	ErrDisconnected = errors.New("channel: disconnected")
	ErrNotConnected = errors.New("channel: not connected")
	ErrTerminal     = errors.New("channel: reconnect attempts exhausted")
	ErrRejected     = errors.New("channel: command rejected by endpoint")
	ErrBadResponse  = errors.New("channel: malformed response")

	errReplyOverdue = errors.New("channel: abandoned command never answered")
)

// Mode selects how responses are matched to callers.
type Mode int

const (
	// ModeSerial admits one command in flight; later callers queue.
	ModeSerial Mode = iota
	// ModeFIFO writes immediately and resolves the oldest pending caller on
	// every inbound message. Only correct with a single caller at a time.
	ModeFIFO
)

// ParseMode maps "serial"/"fifo" to a Mode; anything else is serial.
func ParseMode(raw string) Mode {
	if raw == "fifo" || raw == "FIFO" {
		return ModeFIFO
	}
	return ModeSerial
}

func (m Mode) String() string {
	if m == ModeFIFO {
		return "fifo"
	}
	return "serial"
}

// Command is one request to the device-control endpoint.
type Command struct {
	Action string         `json:"action"`
	Comm   map[string]any `json:"comm,omitempty"`
}

// Response is the endpoint reply. The endpoint never echoes a request id.
type Response struct {
	StatusCode int             `json:"StatusCode"`
	Result     json.RawMessage `json:"result,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// OK reports a 2xx status. A zero status is treated as success.
func (r Response) OK() bool {
	return r.StatusCode == 0 || (r.StatusCode >= 200 && r.StatusCode < 300)
}

// EventType names adapter lifecycle notifications.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventHeartbeat      EventType = "heartbeat"
	EventLivenessFailed EventType = "liveness_failed"
	EventTerminal       EventType = "terminal"
)

// Event is delivered to the Listener.
type Event struct {
	Type    EventType
	State   State
	Latency time.Duration
	Err     error
}

// Listener receives adapter events. It must not block.
type Listener func(Event)

// Config controls the adapter.
type Config struct {
	URL               string
	Mode              Mode
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	// StaleDrainWindow is how long the serial pump waits for a late reply
	// after a timeout before writing the next command. If the reply is still
	// owed when the window ends the socket is recycled.
	StaleDrainWindow time.Duration
	HandshakeTimeout time.Duration
	Backoff          Backoff
}

func (c *Config) normalise() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.StaleDrainWindow <= 0 {
		c.StaleDrainWindow = 500 * time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	c.Backoff.normalise()
}

type result struct {
	resp Response
	err  error
}

type request struct {
	payload []byte
	action  string
	done    chan result
	sentAt  time.Time
}

func (r *request) resolve(res result) {
	select {
	case r.done <- res:
	default:
	}
}

// session is the per-socket state; it is replaced on every reconnect.
type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	lastPong atomic.Int64
}

func (s *session) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(kind, data)
}

// Adapter turns a persistent, non-id-echoing WebSocket into a request/response
// primitive with heartbeat liveness and automatic reconnection.
type Adapter struct {
	cfg      Config
	dialer   *websocket.Dialer
	listener Listener

	mu             sync.Mutex
	sm             *stateMachine
	sess           *session
	reconnectTimer *time.Timer

	// serial mode
	queue    []*request
	inflight *request
	// owed counts replies still due to abandoned commands on this socket.
	owed       int
	drainUntil time.Time
	wake       chan struct{}

	// fifo mode
	pending []*request
}

// New creates an adapter in state IDLE.
func New(cfg Config, listener Listener) *Adapter {
	cfg.normalise()
	if listener == nil {
		listener = func(Event) {}
	}
	return &Adapter{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		listener: listener,
		sm:       newStateMachine(cfg.Backoff),
		wake:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sm.state
}

// Pending returns queued plus in-flight commands.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingLocked()
}

func (a *Adapter) pendingLocked() int {
	n := len(a.queue) + len(a.pending)
	if a.inflight != nil {
		n++
	}
	return n
}

// Connect dials the endpoint. On failure the adapter keeps retrying in the
// background according to the backoff and the first error is returned.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	st, _, err := a.sm.fire(triggerConnect)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.observeState(st)
	return a.dial(ctx)
}

func (a *Adapter) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := a.dialer.DialContext(dialCtx, a.cfg.URL, nil)

	a.mu.Lock()
	if a.sm.state != StateConnecting {
		// Disconnect won the race.
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		st, delay, _ := a.sm.fire(triggerDialFailed)
		a.scheduleReconnectLocked(st, delay)
		a.mu.Unlock()
		a.observeState(st)
		log.Warn().Err(err).Str("url", a.cfg.URL).Str("state", string(st)).Dur("retry_in", delay).Msg("command channel dial failed")
		if st == StateError {
			a.listener(Event{Type: EventTerminal, State: st, Err: err})
			return errors.Wrap(ErrTerminal, err.Error())
		}
		return errors.Wrapf(err, "dial %s", a.cfg.URL)
	}
	st, _, _ := a.sm.fire(triggerOpened)
	sess := &session{conn: conn, done: make(chan struct{})}
	sess.lastPong.Store(time.Now().UnixNano())
	a.sess = sess
	a.owed = 0
	a.drainUntil = time.Time{}
	a.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		sess.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	go a.readLoop(sess)
	go a.pingLoop(sess)
	go a.heartbeatLoop(sess)
	if a.cfg.Mode == ModeSerial {
		go a.pump(sess)
		// commands queued across a recycle
		a.signal()
	}
	a.observeState(st)
	log.Info().Str("url", a.cfg.URL).Str("mode", a.cfg.Mode.String()).Msg("command channel connected")
	a.listener(Event{Type: EventConnected, State: st})
	return nil
}

func (a *Adapter) scheduleReconnectLocked(st State, delay time.Duration) {
	if st != StateReconnecting {
		return
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
	}
	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		st, _, err := a.sm.fire(triggerRetry)
		a.mu.Unlock()
		if err != nil {
			return
		}
		a.observeState(st)
		_ = a.dial(context.Background())
	})
}

// Disconnect closes the socket, stops reconnection and rejects every queued
// and in-flight command.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	st, _, _ := a.sm.fire(triggerDisconnect)
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	sess := a.sess
	a.sess = nil
	reqs := a.takeAllLocked()
	a.mu.Unlock()

	if sess != nil {
		close(sess.done)
		sess.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		_ = sess.conn.Close()
	}
	rejectAll(reqs, ErrDisconnected)
	a.observeState(st)
	if sess != nil {
		a.listener(Event{Type: EventDisconnected, State: st})
	}
}

// handleClose runs once per session when the socket dies underneath us.
func (a *Adapter) handleClose(sess *session, cause error) {
	a.closeSession(sess, cause, false)
}

// recycle drops a socket that still owes a reply. Queued commands were never
// written, so they wait for the next socket instead of being rejected.
func (a *Adapter) recycle(sess *session, cause error) {
	a.closeSession(sess, cause, true)
}

func (a *Adapter) closeSession(sess *session, cause error, keepQueued bool) {
	a.mu.Lock()
	if a.sess != sess {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	close(sess.done)
	st, delay, _ := a.sm.fire(triggerClosed)
	var queued []*request
	if keepQueued && st == StateReconnecting {
		queued = a.queue
		a.queue = nil
	}
	reqs := a.takeAllLocked()
	a.queue = queued
	metrics.SetCommandsPending(a.pendingLocked())
	a.scheduleReconnectLocked(st, delay)
	a.mu.Unlock()

	_ = sess.conn.Close()
	rejectAll(reqs, ErrDisconnected)
	a.observeState(st)
	log.Warn().Err(cause).Str("state", string(st)).Dur("retry_in", delay).Int("rejected", len(reqs)).Msg("command channel closed")
	a.listener(Event{Type: EventDisconnected, State: st, Err: cause})
	if st == StateError {
		a.listener(Event{Type: EventTerminal, State: st, Err: cause})
	}
}

func (a *Adapter) takeAllLocked() []*request {
	reqs := make([]*request, 0, a.pendingLocked())
	reqs = append(reqs, a.queue...)
	reqs = append(reqs, a.pending...)
	if a.inflight != nil {
		reqs = append(reqs, a.inflight)
	}
	a.queue = nil
	a.pending = nil
	a.inflight = nil
	metrics.SetCommandsPending(0)
	return reqs
}

func rejectAll(reqs []*request, err error) {
	for _, r := range reqs {
		r.resolve(result{err: err})
	}
}

// SendCommand issues cmd and waits for its response. A non-positive timeout
// uses the configured default. On timeout the caller is released and any late
// reply is treated as a liveness signal only.
func (a *Adapter) SendCommand(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = a.cfg.CommandTimeout
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, errors.Wrap(err, "marshal command")
	}
	req := &request{payload: payload, action: cmd.Action, done: make(chan result, 1)}
	start := time.Now()

	a.mu.Lock()
	sess := a.sess
	if a.sm.state != StateConnected || sess == nil {
		state := a.sm.state
		a.mu.Unlock()
		if state == StateError {
			return Response{}, ErrTerminal
		}
		return Response{}, errors.Wrapf(ErrNotConnected, "state %s", state)
	}
	if a.cfg.Mode == ModeSerial {
		a.queue = append(a.queue, req)
	} else {
		req.sentAt = start
		a.pending = append(a.pending, req)
	}
	metrics.SetCommandsPending(a.pendingLocked())
	a.mu.Unlock()

	if a.cfg.Mode == ModeSerial {
		a.signal()
	} else if err := sess.write(websocket.TextMessage, payload); err != nil {
		a.forget(req)
		go a.handleClose(sess, err)
		metrics.ObserveCommand(metrics.ResultError, 0)
		return Response{}, errors.Wrap(err, "write command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-req.done:
		status := metrics.ResultSuccess
		if res.err != nil {
			status = metrics.ResultError
		}
		metrics.ObserveCommand(status, time.Since(start))
		return res.resp, res.err
	case <-timer.C:
		a.forget(req)
		metrics.ObserveCommand(metrics.ResultTimeout, 0)
		log.Debug().Str("action", cmd.Action).Dur("timeout", timeout).Msg("command timed out")
		return Response{}, errors.Wrapf(ErrTimeout, "%s after %s", cmd.Action, timeout)
	case <-ctx.Done():
		a.forget(req)
		return Response{}, ctx.Err()
	}
}

// forget drops req wherever it sits. An abandoned in-flight request opens the
// stale drain window.
func (a *Adapter) forget(req *request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == req {
		a.inflight = nil
		a.owed++
		a.drainUntil = time.Now().Add(a.cfg.StaleDrainWindow)
		a.signal()
	}
	a.queue = removeRequest(a.queue, req)
	a.pending = removeRequest(a.pending, req)
	metrics.SetCommandsPending(a.pendingLocked())
}

func removeRequest(list []*request, req *request) []*request {
	for i, r := range list {
		if r == req {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (a *Adapter) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// pump writes queued commands one at a time (serial mode).
func (a *Adapter) pump(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case <-a.wake:
		}
		for {
			a.mu.Lock()
			if a.sess != sess || a.inflight != nil || len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			if a.owed > 0 {
				wait := time.Until(a.drainUntil)
				owed := a.owed
				a.mu.Unlock()
				if wait > 0 {
					time.AfterFunc(wait, a.signal)
					break
				}
				log.Warn().Int("owed", owed).Dur("window", a.cfg.StaleDrainWindow).Msg("late reply overdue, recycling command channel")
				go a.recycle(sess, errReplyOverdue)
				return
			}
			req := a.queue[0]
			a.queue = a.queue[1:]
			a.inflight = req
			req.sentAt = time.Now()
			a.mu.Unlock()

			if err := sess.write(websocket.TextMessage, req.payload); err != nil {
				a.mu.Lock()
				if a.inflight == req {
					a.inflight = nil
				}
				a.mu.Unlock()
				req.resolve(result{err: errors.Wrap(err, "write command")})
				go a.handleClose(sess, err)
				return
			}
		}
	}
}

func (a *Adapter) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.done:
			default:
				a.handleClose(sess, err)
			}
			return
		}
		a.dispatchInbound(sess, data)
	}
}

func (a *Adapter) dispatchInbound(sess *session, data []byte) {
	a.mu.Lock()
	var req *request
	switch {
	case a.sess != sess:
		// read off a socket that was already replaced
	case a.cfg.Mode == ModeSerial && a.owed > 0:
		// Nothing is written while a reply is owed, so the oldest debt is
		// always answered first.
		a.owed--
	case a.cfg.Mode == ModeSerial:
		req = a.inflight
		a.inflight = nil
	case len(a.pending) > 0:
		req = a.pending[0]
		a.pending = a.pending[1:]
	}
	metrics.SetCommandsPending(a.pendingLocked())
	a.mu.Unlock()

	if req == nil {
		metrics.IncStaleResponse()
		log.Debug().Int("bytes", len(data)).Msg("stale response treated as liveness")
		a.signal()
		return
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		req.resolve(result{err: errors.Wrap(ErrBadResponse, err.Error())})
	} else if !resp.OK() {
		req.resolve(result{resp: resp, err: errors.Wrapf(ErrRejected, "%s: status %d %s", req.action, resp.StatusCode, resp.Message)})
	} else {
		req.resolve(result{resp: resp})
	}
	a.signal()
}

// pingLoop detects half-open sockets: no pong within PongTimeout after a ping
// terminates the connection.
func (a *Adapter) pingLoop(sess *session) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}
		sentAt := time.Now()
		sess.writeMu.Lock()
		err := sess.conn.WriteControl(websocket.PingMessage, nil, sentAt.Add(a.cfg.PongTimeout))
		sess.writeMu.Unlock()
		if err != nil {
			a.handleClose(sess, errors.Wrap(err, "write ping"))
			return
		}
		select {
		case <-sess.done:
			return
		case <-time.After(a.cfg.PongTimeout):
		}
		if sess.lastPong.Load() < sentAt.UnixNano() {
			log.Warn().Dur("pong_timeout", a.cfg.PongTimeout).Msg("no pong, terminating half-open socket")
			a.handleClose(sess, errors.New("pong timeout"))
			return
		}
	}
}

// heartbeatLoop measures round trips with a List command. Failure is reported
// but does not close the socket.
func (a *Adapter) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}
		start := time.Now()
		_, err := a.SendCommand(context.Background(), Command{Action: ActionList}, a.cfg.CommandTimeout)
		select {
		case <-sess.done:
			return
		default:
		}
		if err != nil {
			log.Warn().Err(err).Msg("command channel heartbeat failed")
			a.listener(Event{Type: EventLivenessFailed, State: StateConnected, Err: err})
			continue
		}
		latency := time.Since(start)
		metrics.ObserveHeartbeat(latency)
		a.listener(Event{Type: EventHeartbeat, State: StateConnected, Latency: latency})
	}
}

func (a *Adapter) observeState(st State) {
	metrics.SetChannelState(string(st), AllStates)
}
