package tasks

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

var (
	ErrNotFound          = errors.New("tasks: task not found")
	ErrInvalidTransition = errors.New("tasks: invalid status transition")
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work owned by the Queue until terminal.
type Task struct {
	ID             string            `json:"id"`
	Type           envelope.Type     `json:"type"`
	Priority       envelope.Priority `json:"priority"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	TargetDeviceID string            `json:"targetDeviceId,omitempty"`
	// Immediate asks for out-of-band dispatch; honoured for priority >= 4.
	Immediate   bool `json:"immediate,omitempty"`
	TTLSeconds  *int `json:"ttlSeconds,omitempty"`
	AckRequired bool `json:"ackRequired"`

	Status    Status    `json:"status"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	seq uint64
}

// Envelope builds the wire envelope for t. The envelope id is the task id so
// acks map straight back to the task.
func (t Task) Envelope(now time.Time) envelope.Envelope {
	return envelope.Envelope{
		Version:     envelope.Version,
		ID:          t.ID,
		Timestamp:   now.UnixMilli(),
		Type:        t.Type,
		Priority:    t.Priority,
		TTLSeconds:  t.TTLSeconds,
		AckRequired: t.AckRequired,
		Payload:     t.Payload,
	}
}

// Observer is notified after every status change.
type Observer func(Task)

// Queue holds tasks in memory. Pending tasks are ordered by priority
// (highest first) and then arrival.
type Queue struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	pending  []*Task
	active   map[string]int
	seq      uint64
	now      func() time.Time
	observer Observer
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks:  make(map[string]*Task),
		active: make(map[string]int),
		now:    time.Now,
	}
}

// SetObserver installs the transition hook.
func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

// Add validates and enqueues task, returning its id.
func (q *Queue) Add(task Task) (string, error) {
	if !task.Type.Valid() {
		return "", errors.Wrapf(envelope.ErrUnknownType, "%q", task.Type)
	}
	if task.Priority == 0 {
		task.Priority = envelope.PriorityNormal
	}
	if !task.Priority.Valid() {
		return "", errors.Wrapf(envelope.ErrInvalidPriority, "%d", task.Priority)
	}
	q.mu.Lock()
	now := q.now()
	q.seq++
	t := task
	t.ID = uuid.New().String()
	t.Status = StatusPending
	t.DeviceID = ""
	t.Error = ""
	t.CreatedAt = now
	t.UpdatedAt = now
	t.seq = q.seq
	q.tasks[t.ID] = &t
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		return p.Priority < t.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = &t
	snapshot, observer := t, q.observer
	q.mu.Unlock()

	q.notify(observer, snapshot)
	return t.ID, nil
}

// GetNextPending returns the highest priority, oldest pending task.
func (q *Queue) GetNextPending() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Task{}, false
	}
	return *q.pending[0], true
}

// Pending returns every pending task in dispatch order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, *t)
	}
	return out
}

// Get returns a task by id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns tasks in creation order, optionally filtered by status.
func (q *Queue) List(status Status) []Task {
	q.mu.Lock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Active returns ASSIGNED and IN_PROGRESS tasks in creation order.
func (q *Queue) Active() []Task {
	q.mu.Lock()
	out := make([]Task, 0)
	for _, t := range q.tasks {
		if t.Status == StatusAssigned || t.Status == StatusInProgress {
			out = append(out, *t)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// GetDeviceTaskCount counts ASSIGNED and IN_PROGRESS tasks on deviceID.
func (q *Queue) GetDeviceTaskCount(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[deviceID]
}

// Assign moves a pending task to ASSIGNED on deviceID.
func (q *Queue) Assign(id, deviceID string) error {
	return q.transition(id, func(t *Task) error {
		if t.Status != StatusPending {
			return errors.Wrapf(ErrInvalidTransition, "assign %s from %s", id, t.Status)
		}
		q.removePendingLocked(t)
		t.Status = StatusAssigned
		t.DeviceID = deviceID
		q.active[deviceID]++
		return nil
	})
}

// MarkInProgress records a successful transmission.
func (q *Queue) MarkInProgress(id string) error {
	return q.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned {
			return errors.Wrapf(ErrInvalidTransition, "start %s from %s", id, t.Status)
		}
		t.Status = StatusInProgress
		return nil
	})
}

// Complete finishes an assigned or running task.
func (q *Queue) Complete(id string) error {
	return q.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned && t.Status != StatusInProgress {
			return errors.Wrapf(ErrInvalidTransition, "complete %s from %s", id, t.Status)
		}
		q.releaseLocked(t)
		t.Status = StatusCompleted
		return nil
	})
}

// Fail terminates an assigned or running task. There is no requeue.
func (q *Queue) Fail(id, reason string) error {
	return q.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned && t.Status != StatusInProgress {
			return errors.Wrapf(ErrInvalidTransition, "fail %s from %s", id, t.Status)
		}
		q.releaseLocked(t)
		t.Status = StatusFailed
		t.Error = reason
		return nil
	})
}

// Cancel withdraws a task that has not been assigned yet.
func (q *Queue) Cancel(id string) error {
	return q.transition(id, func(t *Task) error {
		if t.Status != StatusPending {
			return errors.Wrapf(ErrInvalidTransition, "cancel %s from %s", id, t.Status)
		}
		q.removePendingLocked(t)
		t.Status = StatusCancelled
		return nil
	})
}

func (q *Queue) transition(id string, fn func(*Task) error) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err := fn(t); err != nil {
		q.mu.Unlock()
		return err
	}
	t.UpdatedAt = q.now()
	snapshot, observer := *t, q.observer
	q.mu.Unlock()

	q.notify(observer, snapshot)
	return nil
}

func (q *Queue) notify(observer Observer, t Task) {
	metrics.IncTaskTransition(string(t.Status))
	if observer != nil {
		observer(t)
	}
}

func (q *Queue) removePendingLocked(t *Task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) releaseLocked(t *Task) {
	if t.DeviceID == "" {
		return
	}
	if q.active[t.DeviceID] <= 1 {
		delete(q.active, t.DeviceID)
		return
	}
	q.active[t.DeviceID]--
}
