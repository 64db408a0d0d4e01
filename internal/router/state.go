package router

import (
	"context"
	"sync"
	"time"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

// ActiveTask describes the envelope that currently owns the active slot.
type ActiveTask struct {
	EnvelopeID string            `json:"envelopeId"`
	Type       envelope.Type     `json:"type"`
	Priority   envelope.Priority `json:"priority"`
	StartedAt  time.Time         `json:"startedAt"`
}

type slot struct {
	token  uint64
	task   ActiveTask
	cancel context.CancelFunc
}

// StateHolder tracks two things: the active slot, owned by the most recently
// started handler and used as the interruption point, and the busy flag of
// the queued lane, which admits one queued envelope at a time.
type StateHolder struct {
	mu         sync.Mutex
	next       uint64
	active     *slot
	busy       bool
	interrupts uint64
}

// Begin claims the active slot for env. cancel is invoked if the slot is
// interrupted while env owns it.
func (s *StateHolder) Begin(env envelope.Envelope, cancel context.CancelFunc, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.active = &slot{
		token:  s.next,
		cancel: cancel,
		task: ActiveTask{
			EnvelopeID: env.ID,
			Type:       env.Type,
			Priority:   env.Priority,
			StartedAt:  now,
		},
	}
	return s.next
}

// End releases the slot if token still owns it.
func (s *StateHolder) End(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.token == token {
		s.active = nil
	}
}

// Active returns the current slot owner.
func (s *StateHolder) Active() (ActiveTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ActiveTask{}, false
	}
	return s.active.task, true
}

// Interrupt cancels the slot owner and clears the slot.
func (s *StateHolder) Interrupt() (ActiveTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ActiveTask{}, false
	}
	victim := s.active
	s.active = nil
	s.interrupts++
	if victim.cancel != nil {
		victim.cancel()
	}
	return victim.task, true
}

// TryReserve marks the queued lane busy; false when it already is.
func (s *StateHolder) TryReserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// Release frees the queued lane.
func (s *StateHolder) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a queued envelope is executing.
func (s *StateHolder) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Interrupts counts interruptions so far.
func (s *StateHolder) Interrupts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}
