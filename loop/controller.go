package loop

import (
	"context"
	"fmt"

	batch "github.com/goliatone/go-batch"
)

type aboutToCommitKey struct{}

// AboutToCommit reports whether the commit after the current item closes the
// batch. Stages use it to defer expensive work to the last item of a batch.
func AboutToCommit(ctx context.Context) bool {
	v, _ := ctx.Value(aboutToCommitKey{}).(bool)
	return v
}

// Controller drives the read, process, commit cycle over the item source of
// the context it runs on. Items are committed in batches of the commit
// interval; a failed item rolls back its batch and ends the loop.
type Controller struct {
	commitInterval int
	provider       batch.TransactionProvider
	txName         string
	logger         batch.Logger
}

// New creates a loop controller. Without a provider transactions are no-ops.
func New(opts ...Option) *Controller {
	c := &Controller{
		commitInterval: 1,
		provider:       batch.NoopTransactionProvider{},
		txName:         batch.DefaultTransactionName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) Name() string { return "loop" }

// CommitInterval is the effective commit interval.
func (c *Controller) CommitInterval() int {
	return max(c.commitInterval, 1)
}

// run holds the state of one Handle call so a shared controller can be used
// by several branches at once.
type run struct {
	c         *Controller
	ec        *batch.ExecutionContext
	logger    batch.Logger
	listeners []batch.ItemListener

	tx          batch.Transaction
	open        bool
	uncommitted int
	processed   int
	commits     int
}

func (c *Controller) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	if _, err := ec.PrepareItemSource(ctx); err != nil {
		return nil, err
	}

	snapshot := ec.Chain().Snapshot()
	r := &run{
		c:         c,
		ec:        ec,
		logger:    c.loggerFor(ec),
		listeners: batch.Discover[batch.ItemListener](snapshot, c),
	}
	defer ec.RemoveTransaction(c.txName)

	k := c.CommitInterval()
	for {
		if err := ctx.Err(); err != nil {
			r.rollback(ctx)
			return nil, err
		}
		if !ec.HasNextItem(ctx) {
			break
		}

		if err := r.begin(ctx); err != nil {
			return nil, err
		}

		ec.RequestScope().Clear()
		ec.RestoreChain(snapshot)

		flagged := context.WithValue(ctx, aboutToCommitKey{}, k <= 1 || r.uncommitted == k-1)
		res, err := ec.InvokeNext(flagged, item)
		if err == nil && res != nil && !res.IsSuccess() {
			err = batch.NewResultError(res)
		}
		if err != nil {
			return nil, r.fail(ctx, err)
		}

		if batch.IsNoMoreItems(res) {
			if err := r.flush(ctx); err != nil {
				return nil, err
			}
			break
		}

		current, _ := ec.LastReadItem()
		if err := r.succeeded(ctx, current, res); err != nil {
			return nil, r.fail(ctx, err)
		}
		ec.ClearLastReadItem()
		r.uncommitted++
		r.processed++

		if r.uncommitted >= k || !ec.HasNextItem(ctx) {
			if err := r.commit(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err := r.flush(ctx); err != nil {
		return nil, err
	}

	r.logger.Debug("loop finished: %d items in %d commits", r.processed, r.commits)
	return batch.Success(r.processed), nil
}

func (c *Controller) loggerFor(ec *batch.ExecutionContext) batch.Logger {
	if c.logger != nil {
		return c.logger
	}
	return ec.Logger()
}

func (r *run) begin(ctx context.Context) error {
	if r.open {
		return nil
	}
	if r.tx == nil {
		tx, err := r.c.provider.NewTransaction(ctx)
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		r.tx = tx
		r.ec.SetTransaction(r.c.txName, tx)
	}
	if err := r.tx.Begin(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	r.open = true
	return nil
}

func (r *run) commit(ctx context.Context) error {
	if !r.open {
		return nil
	}
	r.open = false
	if err := r.tx.Commit(ctx); err != nil {
		r.uncommitted = 0
		return fmt.Errorf("commit transaction: %w", err)
	}
	r.commits++
	r.uncommitted = 0
	return nil
}

// flush commits a partially filled batch and closes an empty one.
func (r *run) flush(ctx context.Context) error {
	if r.uncommitted > 0 {
		return r.commit(ctx)
	}
	r.rollback(ctx)
	return nil
}

func (r *run) rollback(ctx context.Context) {
	if !r.open {
		return
	}
	r.open = false
	r.uncommitted = 0
	if err := r.tx.Rollback(ctx); err != nil {
		r.logger.Error("rollback failed: %v", err)
	}
}

func (r *run) succeeded(ctx context.Context, item any, res batch.Result) error {
	for _, l := range r.listeners {
		if err := l.ItemSucceeded(ctx, item, res, r.ec); err != nil {
			return err
		}
	}
	return nil
}

// fail rolls back the item batch and runs the failure callbacks in a fresh
// transaction. The first callback error replaces cause; cause is then logged.
func (r *run) fail(ctx context.Context, cause error) error {
	current, ok := r.ec.LastReadItem()
	if ok {
		r.ec.RecordItemOnError(cause, current)
	}
	r.rollback(ctx)

	if len(r.listeners) == 0 {
		return cause
	}

	cbErr := r.runFailureCallbacks(ctx, current, cause)
	if cbErr == nil {
		return cause
	}
	r.logger.Error("item failure superseded by callback error: %v", cause)
	return cbErr
}

func (r *run) runFailureCallbacks(ctx context.Context, item any, cause error) error {
	tx, err := r.c.provider.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("create failure transaction: %w", err)
	}
	if err := tx.Begin(ctx); err != nil {
		return fmt.Errorf("begin failure transaction: %w", err)
	}

	prev, hadPrev := r.ec.Transaction(r.c.txName)
	r.ec.SetTransaction(r.c.txName, tx)
	defer func() {
		if hadPrev {
			r.ec.SetTransaction(r.c.txName, prev)
		}
	}()

	var first error
	for _, l := range r.listeners {
		if err := l.ItemFailed(ctx, item, cause, r.ec); err != nil {
			r.logger.Error("item failed callback %T: %v", l, err)
			if first == nil {
				first = err
			}
		}
	}

	if first != nil {
		if err := tx.Rollback(ctx); err != nil {
			r.logger.Error("rollback failure transaction: %v", err)
		}
		return first
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failure transaction: %w", err)
	}
	return nil
}
