// Package queue provides the dispatch queue between the ingest listener
// and the sink writer.
package queue

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/netplane/dpcap/pkg/wire"
)

// Queue is a concurrent FIFO of decoded packets. Push never blocks the
// producer; the queue is bounded only by memory so a slow consumer cannot
// stall packet ingestion. Pop blocks up to a caller-supplied timeout so
// the consumer can re-check its running flag.
type Queue struct {
	mu     sync.Mutex
	items  *deque.Deque
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		items:  deque.New(),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a packet to the tail.
func (q *Queue) Push(p *wire.Packet) {
	q.mu.Lock()
	q.items.PushBack(p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the head packet, waiting up to timeout for one to arrive.
// The second return value is false when the wait expired with the queue
// still empty.
func (q *Queue) Pop(timeout time.Duration) (*wire.Packet, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			p := q.items.PopFront().(*wire.Packet)
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, false
		}
	}
}

// Len reports the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
