package resident

import (
	"context"
	"time"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/retry"
)

// DefaultBackoff is the wait after a service unavailable condition.
const DefaultBackoff = time.Second

type Option func(*Controller)

// WithBackoff sets the wait after a service unavailable condition.
func WithBackoff(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithIdleInterval sets the wait after an iteration found no item.
func WithIdleInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.idle = d
		}
	}
}

func WithLogger(l batch.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithReporter forwards fatal failures to r.
func WithReporter(r batch.FailureReporter) Option {
	return func(c *Controller) {
		c.reporter = r
	}
}

// WithSleeper replaces the backoff and idle waits.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Controller keeps a long lived worker processing items until the source
// runs dry, an operator stop is requested or ctx is done. Every iteration
// runs on its own context copy. Per item failures are logged and raised as
// retryable so an enclosing retry controller decides whether to continue.
type Controller struct {
	backoff  time.Duration
	idle     time.Duration
	logger   batch.Logger
	reporter batch.FailureReporter
	sleep    func(context.Context, time.Duration) error
}

func New(opts ...Option) *Controller {
	c := &Controller{
		backoff: DefaultBackoff,
		sleep:   retry.SleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) Name() string { return "resident" }

func (c *Controller) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	logger := c.logger
	if logger == nil {
		logger = ec.Logger()
	}

	if _, err := ec.PrepareItemSource(ctx); err != nil {
		return nil, err
	}

	processed := 0
	for ec.HasNextItem(ctx) {
		if err := ctx.Err(); err != nil {
			logger.Info("resident loop stopped: %v", err)
			return batch.Success(processed), nil
		}

		branch := ec.Copy()
		res, err := branch.InvokeNext(ctx, item)
		if err == nil && res != nil && !res.IsSuccess() {
			err = batch.NewResultError(res)
		}
		if err == nil {
			if batch.IsNoMoreItems(res) {
				if c.wait(ctx, c.idle) != nil {
					return batch.Success(processed), nil
				}
				continue
			}
			processed++
			continue
		}

		if ctx.Err() != nil {
			logger.Info("resident loop stopped: %v", ctx.Err())
			return batch.Success(processed), nil
		}

		failed, ok := branch.ItemForError(err)
		if !ok {
			failed, _ = branch.LastReadItem()
		}

		switch kind := batch.KindOf(err); kind {
		case batch.KindNone:
			continue

		case batch.KindServiceUnavailable:
			logger.Debug("service unavailable, retrying in %s: %v", c.backoff, err)
			if c.wait(ctx, c.backoff) != nil {
				return batch.Success(processed), nil
			}

		case batch.KindProcessStop:
			logger.Info("process stop requested: %v", err)
			return batch.Success(processed), nil

		case batch.KindAbnormalEnd, batch.KindRetryable, batch.KindIrrecoverable:
			return nil, err

		case batch.KindServiceError, batch.KindResultError, batch.KindRuntime:
			batch.WriteFatalLog(ctx, logger, c.reporter, err, failed)
			return nil, batch.WrapRetryable(err, "resident iteration failed")

		case batch.KindThreadKilled:
			logger.Info("worker terminated: %v", err)
			return nil, err

		case batch.KindResourceExhausted:
			batch.WriteFatalLog(ctx, logger, c.reporter, err, failed)
			return nil, batch.WrapRetryable(err, "resident iteration exhausted resources")

		default:
			logger.Error("unknown error kind %s: %v", kind, err)
			return nil, err
		}
	}

	logger.Info("resident loop finished: %d items", processed)
	return batch.Success(processed), nil
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return c.sleep(ctx, d)
}
