package retry

import (
	"context"
	"math"
	"time"
)

// Strategy decides how long to wait before the next retry.
type Strategy interface {
	// SleepDuration returns the wait before retry number attempt+1.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedStrategy waits the same interval before every retry.
type FixedStrategy struct {
	Interval time.Duration
}

func (f FixedStrategy) SleepDuration(_ int, _ error) time.Duration {
	if f.Interval < 0 {
		return 0
	}
	return f.Interval
}

// ExponentialBackoffStrategy grows the wait by Factor after each retry.
// Usage example:
//
//	WithStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max caps the delay, zero means the largest time.Duration
	Max time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 1) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
