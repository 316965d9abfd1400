// Package l3q implements the bounded, QoS-ordered egress queue the network
// layer hands payloads to on their way down to a device.
package l3q

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// QoS orders payloads for egress; lower values drain first.
type QoS int

const (
	Highest QoS = iota
	Higher
	Default
	Lower
	Lowest
)

// Payload is the generic unit the network layer enqueues for a device to
// transmit.
type Payload struct {
	Source      callsign.Call
	Destination callsign.Call
	Protocol    byte
	Buffer      []byte
	LinkID      int
	QoS         QoS
	Reliable    bool

	seq int // FIFO tie-break within a QoS class, set by Queue.Offer
}

// item is the heap element: ordered by QoS then by insertion sequence so two
// payloads offered at the same QoS drain FIFO.
type item struct {
	payload Payload
}

type priorityHeap []item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].payload.QoS != h[j].payload.QoS {
		return h[i].payload.QoS < h[j].payload.QoS
	}
	return h[i].payload.seq < h[j].payload.seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it.payload
}

// Queue is a bounded, QoS-ordered egress queue for one device, backed by a
// size-bounded min-heap.
type Queue struct {
	maxSize int

	mu      sync.Mutex
	notify  chan struct{}
	heap    priorityHeap
	nextSeq int
}

// New constructs a Queue bounded at maxSize entries.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize, notify: make(chan struct{}, 1)}
}

// Offer enqueues p, returning false if the queue is already at capacity.
func (q *Queue) Offer(p Payload) bool {
	q.mu.Lock()
	if len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		return false
	}
	p.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, item{payload: p})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// MaybeTake waits up to deadline for a payload to become available and pops
// the highest-priority one, or reports false on timeout.
func (q *Queue) MaybeTake(deadline time.Duration) (Payload, bool) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		if p, ok := q.tryTake(); ok {
			return p, true
		}
		select {
		case <-q.notify:
			continue
		case <-timer.C:
			return Payload{}, false
		}
	}
}

func (q *Queue) tryTake() (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Payload{}, false
	}
	return heap.Pop(&q.heap).(Payload), true
}

// Len reports the number of payloads currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
