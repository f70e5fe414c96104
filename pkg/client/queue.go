package client

import (
	"sync"

	"github.com/hearthsync/hearthsync/pkg/envelope"
)

// sendQueue is the bounded outbound buffer used while disconnected.
// When full, the oldest entry is evicted: liveness events are not worth
// unbounded memory growth, and blocking the caller is unacceptable.
// The queue is memory-only; it is a liveness optimization, not a
// durability guarantee.
type sendQueue struct {
	mu       sync.Mutex
	items    []*envelope.Envelope
	capacity int
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		capacity: capacity,
	}
}

// push appends an envelope, evicting the oldest entry when at capacity.
// Returns true if an entry was evicted.
func (q *sendQueue) push(env *envelope.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.items = append(q.items, env)
	return evicted
}

// drain removes and returns all queued envelopes in enqueue order
func (q *sendQueue) drain() []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// size returns the number of queued envelopes
func (q *sendQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
