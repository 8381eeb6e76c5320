package retry

import (
	"context"
	"time"
)

// DefaultMaxRetryTime is the default watchdog ceiling.
const DefaultMaxRetryTime = 10 * time.Minute

// Policy decides whether another retry is allowed. start is zero until the
// first retry.
type Policy interface {
	IsRetryable(count int, start, now time.Time) bool
}

// CountPolicy allows Limit retries.
type CountPolicy struct {
	Limit int
}

func (p CountPolicy) IsRetryable(count int, _, _ time.Time) bool {
	return count < p.Limit
}

// DurationPolicy allows retries until Duration has elapsed since the first one.
type DurationPolicy struct {
	Duration time.Duration
}

func (p DurationPolicy) IsRetryable(_ int, start, now time.Time) bool {
	if start.IsZero() {
		return true
	}
	return now.Sub(start) < p.Duration
}

// Context tracks the retry progress of one protected invocation.
//
// The watchdog resets the count and start time when more than maxRetryTime
// has passed since the first retry, so sparse failures spread over a long
// run do not accumulate toward the policy limit.
type Context struct {
	policy       Policy
	strategy     Strategy
	maxRetryTime time.Duration

	count int
	start time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewContext creates an idle retry context.
func NewContext(policy Policy, strategy Strategy, maxRetryTime time.Duration) *Context {
	if policy == nil {
		policy = CountPolicy{Limit: DefaultRetryLimit}
	}
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}
	return &Context{
		policy:       policy,
		strategy:     strategy,
		maxRetryTime: maxRetryTime,
		now:          time.Now,
		sleep:        SleepContext,
	}
}

func (c *Context) Count() int       { return c.count }
func (c *Context) Start() time.Time { return c.start }

// Retrying reports whether at least one retry was prepared since the last reset.
func (c *Context) Retrying() bool { return c.count > 0 }

// IsRetryable applies the watchdog and then asks the policy.
func (c *Context) IsRetryable() bool {
	now := c.now()
	if !c.start.IsZero() && c.maxRetryTime > 0 && now.Sub(c.start) > c.maxRetryTime {
		c.Reset()
	}
	return c.policy.IsRetryable(c.count, c.start, now)
}

// PrepareRetry records the first retry time, waits the strategy interval and
// counts the retry. It returns the context error when ctx ends the wait.
func (c *Context) PrepareRetry(ctx context.Context, cause error) error {
	if c.start.IsZero() {
		c.start = c.now()
	}
	if err := c.sleep(ctx, c.strategy.SleepDuration(c.count, cause)); err != nil {
		return err
	}
	c.count++
	return nil
}

// Reset returns the context to idle.
func (c *Context) Reset() {
	c.count = 0
	c.start = time.Time{}
}
