package channel

import (
	"testing"
	"time"
)

func TestStateMachineReconnectsWithBackoffUntilTerminal(t *testing.T) {
	sm := newStateMachine(Backoff{Base: time.Second, Multiplier: 2, Max: 5 * time.Second, MaxAttempts: 3})

	mustFire := func(tr trigger, want State) time.Duration {
		t.Helper()
		got, delay, err := sm.fire(tr)
		if err != nil {
			t.Fatalf("%s: %v", tr, err)
		}
		if got != want {
			t.Fatalf("%s: state %s want %s", tr, got, want)
		}
		return delay
	}

	mustFire(triggerConnect, StateConnecting)
	mustFire(triggerOpened, StateConnected)
	if d := mustFire(triggerClosed, StateReconnecting); d != time.Second {
		t.Fatalf("first delay %s", d)
	}
	mustFire(triggerRetry, StateConnecting)
	if d := mustFire(triggerDialFailed, StateReconnecting); d != 2*time.Second {
		t.Fatalf("second delay %s", d)
	}
	mustFire(triggerRetry, StateConnecting)
	if d := mustFire(triggerDialFailed, StateReconnecting); d != 4*time.Second {
		t.Fatalf("third delay %s", d)
	}
	mustFire(triggerRetry, StateConnecting)
	mustFire(triggerDialFailed, StateError)

	// terminal until the caller connects again
	if _, _, err := sm.fire(triggerRetry); err == nil {
		t.Fatalf("retry from ERROR should be rejected")
	}
	mustFire(triggerConnect, StateConnecting)
	mustFire(triggerOpened, StateConnected)
	if sm.retries != 0 {
		t.Fatalf("opened must reset retries")
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	sm := newStateMachine(Backoff{})
	for _, tr := range []trigger{triggerOpened, triggerClosed, triggerRetry, triggerDialFailed} {
		if _, _, err := sm.fire(tr); err == nil {
			t.Fatalf("%s from IDLE should fail", tr)
		}
	}
	sm.fire(triggerConnect)
	if _, _, err := sm.fire(triggerConnect); err == nil {
		t.Fatalf("connect while connecting should fail")
	}
	if st, _, _ := sm.fire(triggerDisconnect); st != StateIdle {
		t.Fatalf("disconnect should always return to IDLE")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 3, Max: 10 * time.Second}
	if d := b.Delay(1); d != time.Second {
		t.Fatalf("delay(1) = %s", d)
	}
	if d := b.Delay(3); d != 9*time.Second {
		t.Fatalf("delay(3) = %s", d)
	}
	if d := b.Delay(4); d != 10*time.Second {
		t.Fatalf("delay(4) = %s", d)
	}
}
