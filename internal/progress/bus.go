// Package progress broadcasts typed indexing Status events to observers.
// Delivery is best-effort: a slow subscriber never blocks a writer.
package progress

import (
	"sync"
	"sync/atomic"

	"movesia-index/pkg/types"
)

// Bus is a best-effort pub/sub broadcaster of types.Status events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan types.Status
	nextID      int
	bufferSize  int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a Bus whose subscriber channels are buffered to
// bufferSize; a subscriber that falls behind by more than bufferSize
// pending events starts losing updates rather than stalling the publisher.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		subscribers: make(map[int]chan types.Status),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new observer and returns its channel and an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan types.Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.Status, b.bufferSize)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

// Publish broadcasts status to every current subscriber. A subscriber
// whose buffer is full has the update dropped for it, not blocked on.
func (b *Bus) Publish(status types.Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for _, ch := range b.subscribers {
		select {
		case ch <- status:
		default:
			b.dropped.Add(1)
		}
	}
}

// Stats reports how many statuses were published and how many deliveries
// were dropped due to a full subscriber buffer.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
