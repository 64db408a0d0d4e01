package channel

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// State is the connection lifecycle state of an Adapter.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// AllStates lists every state, for metrics.
var AllStates = []string{
	string(StateIdle), string(StateConnecting), string(StateConnected),
	string(StateReconnecting), string(StateError),
}

type trigger int

const (
	triggerConnect trigger = iota
	triggerOpened
	triggerDialFailed
	triggerClosed
	triggerRetry
	triggerDisconnect
)

func (t trigger) String() string {
	switch t {
	case triggerConnect:
		return "connect"
	case triggerOpened:
		return "opened"
	case triggerDialFailed:
		return "dial_failed"
	case triggerClosed:
		return "closed"
	case triggerRetry:
		return "retry"
	case triggerDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Backoff is a capped exponential reconnect schedule.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// Delay returns base × multiplier^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}

func (b *Backoff) normalise() {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 10
	}
}

var errInvalidTransition = errors.New("channel: invalid state transition")

// stateMachine holds the adapter lifecycle. It owns no timers or sockets: a
// transition into RECONNECTING returns the delay the caller must wait before
// firing triggerRetry.
type stateMachine struct {
	state   State
	retries int
	backoff Backoff
}

func newStateMachine(b Backoff) *stateMachine {
	b.normalise()
	return &stateMachine{state: StateIdle, backoff: b}
}

func (sm *stateMachine) fire(t trigger) (State, time.Duration, error) {
	switch {
	case t == triggerDisconnect:
		sm.state = StateIdle
		sm.retries = 0
		return sm.state, 0, nil

	case t == triggerConnect && (sm.state == StateIdle || sm.state == StateError):
		sm.state = StateConnecting
		sm.retries = 0
		return sm.state, 0, nil

	case t == triggerOpened && sm.state == StateConnecting:
		sm.state = StateConnected
		sm.retries = 0
		return sm.state, 0, nil

	case t == triggerDialFailed && sm.state == StateConnecting,
		t == triggerClosed && sm.state == StateConnected:
		sm.retries++
		if sm.retries > sm.backoff.MaxAttempts {
			sm.state = StateError
			return sm.state, 0, nil
		}
		sm.state = StateReconnecting
		return sm.state, sm.backoff.Delay(sm.retries), nil

	case t == triggerRetry && sm.state == StateReconnecting:
		sm.state = StateConnecting
		return sm.state, 0, nil
	}
	return sm.state, 0, errors.Wrapf(errInvalidTransition, "%s on %s", t, sm.state)
}
