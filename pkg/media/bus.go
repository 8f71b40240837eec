package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by [Bus.Poll] when no message arrived in time.
	ErrTimeout = errors.New("media: bus poll timed out")

	// ErrBusClosed is returned by [Bus.Poll] once the bus is closed and empty.
	ErrBusClosed = errors.New("media: bus closed")
)

// Bus delivers messages from a running pipeline to a single consumer.
type Bus interface {
	// Post queues msg. It never blocks; it reports false if the bus is closed.
	Post(msg Message) bool

	// Poll blocks until a message is available, timeout elapses or ctx is
	// done. A timeout <= 0 waits indefinitely.
	Poll(ctx context.Context, timeout time.Duration) (Message, error)
}

// QueueBus is an unbounded FIFO [Bus]. Posting never blocks and never drops:
// a flood of messages grows the queue instead of stalling the streaming
// side. It is shared by the engine implementations in this module.
type QueueBus struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	signal chan struct{}
}

// NewQueueBus returns an empty open bus.
func NewQueueBus() *QueueBus {
	return &QueueBus{signal: make(chan struct{}, 1)}
}

// Post implements [Bus].
func (b *QueueBus) Post(msg Message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// Poll implements [Bus].
func (b *QueueBus) Poll(ctx context.Context, timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return msg, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrBusClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, ErrTimeout
		case <-b.signal:
		}
	}
}

// Len returns the number of queued messages.
func (b *QueueBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting messages. Queued messages can still be polled.
func (b *QueueBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}
