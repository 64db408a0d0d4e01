package router

import (
	"container/heap"
	"time"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

type item struct {
	env envelope.Envelope
	seq uint64
}

// envelopeHeap orders by priority (highest first), then arrival.
type envelopeHeap []item

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].env.Priority != h[j].env.Priority {
		return h[i].env.Priority > h[j].env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type priorityQueue struct {
	items envelopeHeap
	seq   uint64
}

func (q *priorityQueue) push(env envelope.Envelope) {
	q.seq++
	heap.Push(&q.items, item{env: env, seq: q.seq})
}

func (q *priorityQueue) pop() (envelope.Envelope, bool) {
	if len(q.items) == 0 {
		return envelope.Envelope{}, false
	}
	return heap.Pop(&q.items).(item).env, true
}

// prune drops expired entries and returns them.
func (q *priorityQueue) prune(now time.Time) []envelope.Envelope {
	var expired []envelope.Envelope
	kept := q.items[:0]
	for _, it := range q.items {
		if it.env.Expired(now) {
			expired = append(expired, it.env)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	if len(expired) > 0 {
		heap.Init(&q.items)
	}
	return expired
}

func (q *priorityQueue) len() int { return len(q.items) }
