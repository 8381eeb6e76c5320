package stage

import (
	"context"

	batch "github.com/goliatone/go-batch"
	"golang.org/x/time/rate"
)

// Throttle limits how fast items enter the rest of the chain. One Throttle
// shared by every fan-out branch limits the whole run.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows perSecond items per second with the given burst.
// A burst below 1 is raised to 1.
func NewThrottle(perSecond float64, burst int) *Throttle {
	return NewThrottleWithLimiter(rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)))
}

func NewThrottleWithLimiter(l *rate.Limiter) *Throttle {
	return &Throttle{limiter: l}
}

func (s *Throttle) Name() string { return "throttle" }

func (s *Throttle) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, batch.NewRetryable("throttle: " + err.Error())
	}
	return ec.InvokeNext(ctx, item)
}
