package loop

import (
	"context"
	"sync/atomic"

	batch "github.com/goliatone/go-batch"
)

// ReadStage reads the next item from the context's item source and passes it
// down the chain. It returns batch.NoMoreItems once the source is exhausted or
// the max count is reached. The count is shared by every branch using the stage.
type ReadStage struct {
	maxCount int64
	read     atomic.Int64
}

func NewReadStage(opts ...ReadOption) *ReadStage {
	r := &ReadStage{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *ReadStage) Name() string { return "read" }

// Count is the number of items handed down the chain so far.
func (r *ReadStage) Count() int {
	return int(r.read.Load())
}

func (r *ReadStage) Handle(ctx context.Context, _ any, ec *batch.ExecutionContext) (batch.Result, error) {
	if !r.reserve() {
		return batch.NoMoreItems(), nil
	}

	item, err := ec.ReadNextItem(ctx)
	if err != nil || item == nil {
		r.read.Add(-1)
		if err != nil {
			return nil, err
		}
		return batch.NoMoreItems(), nil
	}

	ec.SetLastReadItem(item)
	res, err := ec.InvokeNext(ctx, item)
	if err != nil {
		ec.RecordItemOnError(err, item)
	}
	return res, err
}

// reserve claims a read slot so concurrent branches never exceed the max count.
func (r *ReadStage) reserve() bool {
	for {
		cur := r.read.Load()
		if r.maxCount > 0 && cur >= r.maxCount {
			return false
		}
		if r.read.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}
