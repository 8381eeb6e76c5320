package fanout

import (
	"time"

	batch "github.com/goliatone/go-batch"
)

const DefaultGracePeriod = 30 * time.Second

type Option func(*Controller)

// WithConcurrency sets the number of concurrent branches.
func WithConcurrency(n int) Option {
	return func(c *Controller) {
		c.concurrency = max(n, 1)
	}
}

// WithGracePeriod bounds how long the controller waits for canceled
// branches to stop after a failure.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.grace = d
		}
	}
}

func WithLogger(l batch.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithPool runs branches on a pool owned by the caller. Close on the
// controller leaves a caller pool open.
func WithPool(p *Pool) Option {
	return func(c *Controller) {
		if p != nil {
			c.pool = p
			c.ownsPool = false
		}
	}
}
