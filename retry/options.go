package retry

import (
	"context"
	"time"

	batch "github.com/goliatone/go-batch"
)

const (
	// DefaultExitCode is carried by the abnormal end raised when retries run out.
	DefaultExitCode = 180
	// DefaultRetryLimit is used when no policy is configured.
	DefaultRetryLimit = 3
	// DefaultFailureCode identifies exhausted retries.
	DefaultFailureCode = "RETRY_EXHAUSTED"
)

type Option func(*Controller)

func WithPolicy(p Policy) Option {
	return func(c *Controller) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithRetryLimit allows up to limit retries.
func WithRetryLimit(limit int) Option {
	return WithPolicy(CountPolicy{Limit: limit})
}

// WithRetryDuration allows retries until d has elapsed since the first one.
func WithRetryDuration(d time.Duration) Option {
	return WithPolicy(DurationPolicy{Duration: d})
}

// WithInterval waits d between attempts.
func WithInterval(d time.Duration) Option {
	return WithStrategy(FixedStrategy{Interval: d})
}

func WithStrategy(s Strategy) Option {
	return func(c *Controller) {
		if s != nil {
			c.strategy = s
		}
	}
}

// WithMaxRetryTime sets the watchdog ceiling. Zero disables the watchdog.
func WithMaxRetryTime(d time.Duration) Option {
	return func(c *Controller) {
		c.maxRetryTime = d
	}
}

func WithExitCode(code int) Option {
	return func(c *Controller) {
		c.exitCode = code
	}
}

func WithFailureCode(code string) Option {
	return func(c *Controller) {
		c.failureCode = code
	}
}

// WithDiscardSource drops the item source before each retry so a downstream
// factory builds a fresh one.
func WithDiscardSource(discard bool) Option {
	return func(c *Controller) {
		c.discardSource = discard
	}
}

func WithLogger(l batch.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithClock replaces time.Now for the watchdog and duration policies.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}
