package device

import (
	"sync"
	"time"
)

// EventType names a registry change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event carries the device record after the change.
type Event struct {
	Type   EventType `json:"action"`
	Device Device    `json:"device"`
	At     time.Time `json:"at"`
}

// Broker fans registry events out to subscribers. Every subscriber owns an
// unbounded mailbox drained by its own goroutine, so Publish never blocks and
// each subscriber sees every event in publish order.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	stop    chan struct{}
	out     chan Event
	once    sync.Once
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel after discarding undelivered events.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Event),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()
	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
}

// Publish queues ev for every current subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Close stops all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			select {
			case s.out <- ev:
			case <-s.stop:
				return
			}
		}
	}
}
