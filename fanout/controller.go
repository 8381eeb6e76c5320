package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	batch "github.com/goliatone/go-batch"
)

// Controller runs the rest of the chain on N concurrent branches sharing the
// item source of the parent context. Each branch gets its own context copy.
// The first branch failure cancels the others.
type Controller struct {
	concurrency int
	grace       time.Duration
	logger      batch.Logger

	mu       sync.Mutex
	pool     *Pool
	ownsPool bool
}

func New(opts ...Option) *Controller {
	c := &Controller{
		concurrency: 1,
		grace:       DefaultGracePeriod,
		ownsPool:    true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) Name() string { return "fanout" }

func (c *Controller) Concurrency() int { return c.concurrency }

// Close releases the worker pool when the controller created it.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil && c.ownsPool {
		c.pool.Close()
		c.pool = nil
	}
}

func (c *Controller) acquirePool() *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		c.pool = NewPool(c.concurrency)
		c.ownsPool = true
	}
	return c.pool
}

type outcome struct {
	branch int
	result batch.Result
	err    error
	item   any
}

func (c *Controller) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	logger := c.loggerFor(ec)

	if _, err := ec.PrepareItemSource(ctx); err != nil {
		return nil, err
	}

	listeners := batch.Discover[batch.ExecutionListener](ec.Chain().Remaining(), c)

	var (
		result batch.Result
		err    error
	)
	if err = c.preExecution(ctx, listeners, ec); err == nil {
		result, err = c.execute(ctx, item, ec, logger)
	}

	postErr := c.postExecution(ctx, listeners, result, ec, logger)
	if err != nil {
		if postErr != nil {
			logger.Error("post execution callbacks failed after branch failure: %v", postErr)
		}
		return result, err
	}
	return result, postErr
}

func (c *Controller) loggerFor(ec *batch.ExecutionContext) batch.Logger {
	if c.logger != nil {
		return c.logger
	}
	return ec.Logger()
}

func (c *Controller) preExecution(ctx context.Context, listeners []batch.ExecutionListener, ec *batch.ExecutionContext) error {
	for _, l := range listeners {
		if err := l.PreExecution(ctx, ec); err != nil {
			return err
		}
	}
	return nil
}

// postExecution runs every listener and joins their errors.
func (c *Controller) postExecution(ctx context.Context, listeners []batch.ExecutionListener, result batch.Result, ec *batch.ExecutionContext, logger batch.Logger) error {
	var errs []error
	for _, l := range listeners {
		if err := l.PostExecution(ctx, result, ec); err != nil {
			logger.Error("post execution callback %T: %v", l, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) execute(ctx context.Context, item any, ec *batch.ExecutionContext, logger batch.Logger) (batch.Result, error) {
	n := c.concurrency
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := c.acquirePool()
	done := make(chan outcome, n)
	submitted := 0
	for i := 0; i < n; i++ {
		branch := ec.Copy()
		idx := i
		if err := pool.Submit(func() { runBranch(runCtx, idx, branch, item, done) }); err != nil {
			cancel()
			c.drain(done, submitted, batch.NewMultiResult(), logger)
			return nil, err
		}
		submitted++
	}

	multi := batch.NewMultiResult()
	for received := 0; received < n; {
		select {
		case o := <-done:
			received++
			if o.err == nil {
				multi.Add(o.result)
				continue
			}
			multi.Add(failureResult(o.err))
			logger.Error("branch %d failed: %v", o.branch, o.err)
			if o.item != nil {
				ec.RecordItemOnError(o.err, o.item)
			}
			c.abort(ctx, cancel, ec, done, n-received, multi, logger)
			return multi, o.err

		case <-ctx.Done():
			err := ctx.Err()
			logger.Warn("fan-out interrupted: %v", err)
			c.abort(ctx, cancel, ec, done, n-received, multi, logger)
			return multi, err
		}
	}

	logger.Debug("fan-out finished: %d branches", n)
	return multi, nil
}

// abort cancels the remaining branches, closes the shared source and waits
// for the branches to stop within the grace period.
func (c *Controller) abort(ctx context.Context, cancel context.CancelFunc, ec *batch.ExecutionContext, done <-chan outcome, remaining int, multi *batch.MultiResult, logger batch.Logger) {
	cancel()
	if err := ec.CloseItemSource(context.WithoutCancel(ctx)); err != nil {
		logger.Error("close item source: %v", err)
	}
	c.drain(done, remaining, multi, logger)
}

func (c *Controller) drain(done <-chan outcome, remaining int, multi *batch.MultiResult, logger batch.Logger) {
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	for remaining > 0 {
		select {
		case o := <-done:
			remaining--
			if o.err != nil {
				logger.Debug("branch %d stopped: %v", o.branch, o.err)
				multi.Add(failureResult(o.err))
				continue
			}
			multi.Add(o.result)
		case <-timer.C:
			logger.Warn("%d branches still running after grace period of %s", remaining, c.grace)
			return
		}
	}
}

// runBranch invokes the rest of the chain on ec and reports the outcome on
// done, including when the goroutine is killed through runtime.Goexit.
func runBranch(ctx context.Context, idx int, ec *batch.ExecutionContext, item any, done chan<- outcome) {
	o := outcome{branch: idx}
	finished := false
	defer func() {
		if !finished {
			if r := recover(); r != nil {
				o.err = batch.RecoverError(r, nil)
			} else {
				o.err = batch.ErrThreadKilled.Clone()
			}
			o.item, _ = ec.LastReadItem()
		}
		done <- o
	}()

	o.result, o.err = ec.InvokeNext(ctx, item)
	if o.err != nil {
		if it, ok := ec.ItemForError(o.err); ok {
			o.item = it
		} else {
			o.item, _ = ec.LastReadItem()
		}
	}
	finished = true
}

func failureResult(err error) batch.Result {
	return batch.Failure(http.StatusInternalServerError, fmt.Sprintf("branch failed: %v", err))
}
