package retry

import (
	"context"
	"time"

	batch "github.com/goliatone/go-batch"
)

// Controller re-invokes the rest of the chain while it fails with a
// retryable error and the policy allows it. Other errors pass through.
// When retries run out it raises an abnormal end carrying the configured
// exit code, with the last error as cause.
type Controller struct {
	policy        Policy
	strategy      Strategy
	maxRetryTime  time.Duration
	exitCode      int
	failureCode   string
	discardSource bool
	logger        batch.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(opts ...Option) *Controller {
	c := &Controller{
		policy:       CountPolicy{Limit: DefaultRetryLimit},
		strategy:     NoDelayStrategy{},
		maxRetryTime: DefaultMaxRetryTime,
		exitCode:     DefaultExitCode,
		failureCode:  DefaultFailureCode,
		now:          time.Now,
		sleep:        SleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) Name() string { return "retry" }

// NewContext returns an idle retry context configured like the controller.
func (c *Controller) NewContext() *Context {
	rc := NewContext(c.policy, c.strategy, c.maxRetryTime)
	rc.now = c.now
	rc.sleep = c.sleep
	return rc
}

func (c *Controller) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	return c.Run(ctx, item, ec, c.NewContext())
}

// Run is Handle with a caller supplied retry context.
func (c *Controller) Run(ctx context.Context, item any, ec *batch.ExecutionContext, rc *Context) (batch.Result, error) {
	logger := c.logger
	if logger == nil {
		logger = ec.Logger()
	}
	snapshot := ec.Chain().Snapshot()

	for {
		res, err := ec.InvokeNext(ctx, item)
		if err == nil {
			if rc.Retrying() {
				logger.Info("recovered after %d retries", rc.Count())
			}
			rc.Reset()
			return res, nil
		}

		if !batch.IsRetryable(err) {
			rc.Reset()
			return res, err
		}

		if !rc.IsRetryable() {
			retries := rc.Count()
			rc.Reset()
			logger.Error("retries exhausted after %d attempts: %v", retries, err)
			return nil, batch.NewAbnormalEnd(c.exitCode, c.failureCode, err)
		}

		logger.Warn("retryable failure, retry %d: %v", rc.Count()+1, err)
		if perr := rc.PrepareRetry(ctx, err); perr != nil {
			rc.Reset()
			return nil, perr
		}

		ec.RestoreChain(snapshot)
		if c.discardSource {
			ec.DiscardItemSource()
		}
	}
}
