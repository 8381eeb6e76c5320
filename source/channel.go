// Package source provides item sources for queues and streams: Go channels,
// NATS JetStream pull consumers and Kafka consumer groups.
package source

import (
	"context"
	"sync"
	"time"

	batch "github.com/goliatone/go-batch"
)

// DefaultPollTimeout bounds how long a Read waits for the next item before
// reporting that none is available yet.
const DefaultPollTimeout = time.Second

// Channel serves items sent on a Go channel. It stays open until the
// channel is closed or Close is called.
type Channel[T any] struct {
	ch   <-chan T
	poll time.Duration

	mu     sync.Mutex
	closed bool
}

// NewChannel wraps ch. A poll of zero or less uses DefaultPollTimeout.
func NewChannel[T any](ch <-chan T, poll time.Duration) *Channel[T] {
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	return &Channel[T]{ch: ch, poll: poll}
}

func (c *Channel[T]) HasNext(context.Context, *batch.ExecutionContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Read returns nil when no item arrived within the poll timeout.
func (c *Channel[T]) Read(ctx context.Context, _ *batch.ExecutionContext) (any, error) {
	if !c.HasNext(ctx, nil) {
		return nil, nil
	}

	timer := time.NewTimer(c.poll)
	defer timer.Stop()

	select {
	case item, ok := <-c.ch:
		if !ok {
			c.markClosed()
			return nil, nil
		}
		return item, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (c *Channel[T]) Close(context.Context, *batch.ExecutionContext) error {
	c.markClosed()
	return nil
}

func (c *Channel[T]) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
