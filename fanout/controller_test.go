package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type tally struct {
	mu   sync.Mutex
	seen map[any]int
}

func (t *tally) Handle(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[any]int)
	}
	t.seen[item]++
	return batch.Success(item), nil
}

func numbers(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestFanOutConsumesEveryItemOnce(t *testing.T) {
	c := New(WithConcurrency(4))
	defer c.Close()

	counter := &tally{}
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, loop.New(loop.WithCommitInterval(3)), loop.NewReadStage(), counter),
		batch.WithItemSource(batch.NewSliceSource(numbers(100)...)),
	)

	res, err := ec.InvokeNext(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, res.IsSuccess())

	multi := res.(*batch.MultiResult)
	assert.Equal(t, 4, multi.Len())

	total := 0
	for _, r := range multi.Results() {
		total += r.(*batch.StatusResult).Value.(int)
	}
	assert.Equal(t, 100, total)

	require.Len(t, counter.seen, 100)
	for item, count := range counter.seen {
		assert.Equalf(t, 1, count, "item %v", item)
	}
}

var errBadItem = errors.New("bad item")

func TestFanOutFirstFailureIsPropagated(t *testing.T) {
	c := New(WithConcurrency(3), WithGracePeriod(time.Second))
	defer c.Close()

	src := batch.NewSliceSource(numbers(50)...)
	work := batch.HandlerFunc(func(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		if item == 13 {
			return nil, fmt.Errorf("item %v: %w", item, errBadItem)
		}
		time.Sleep(time.Millisecond)
		return batch.Success(item), nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, loop.New(), loop.NewReadStage(), work),
		batch.WithItemSource(src),
	)

	res, err := ec.InvokeNext(context.Background(), nil)
	require.ErrorIs(t, err, errBadItem)
	require.NotNil(t, res)
	assert.False(t, res.IsSuccess())
	assert.True(t, src.Closed())

	item, ok := ec.ItemForError(err)
	require.True(t, ok)
	assert.Equal(t, 13, item)
}

type lifecycle struct {
	pre, post atomic.Int32
	postErr   error
	results   []batch.Result
}

func (l *lifecycle) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	return ec.InvokeNext(ctx, item)
}

func (l *lifecycle) PreExecution(context.Context, *batch.ExecutionContext) error {
	l.pre.Add(1)
	return nil
}

func (l *lifecycle) PostExecution(_ context.Context, result batch.Result, _ *batch.ExecutionContext) error {
	l.post.Add(1)
	l.results = append(l.results, result)
	return l.postErr
}

func TestFanOutRunsListenersOnce(t *testing.T) {
	c := New(WithConcurrency(3))
	defer c.Close()

	l := &lifecycle{}
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, l, loop.New(), loop.NewReadStage(), &tally{}),
		batch.WithItemSource(batch.NewSliceSource(numbers(10)...)),
	)

	_, err := ec.InvokeNext(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), l.pre.Load())
	assert.Equal(t, int32(1), l.post.Load())
	require.Len(t, l.results, 1)
	assert.True(t, l.results[0].IsSuccess())
}

func TestFanOutPrefersOriginalCauseOverPostErrors(t *testing.T) {
	c := New(WithConcurrency(2))
	defer c.Close()

	l := &lifecycle{postErr: errors.New("post failed")}
	fail := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		return nil, errBadItem
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, l, loop.New(), loop.NewReadStage(), fail),
		batch.WithItemSource(batch.NewSliceSource(numbers(4)...)),
	)

	_, err := ec.InvokeNext(context.Background(), nil)
	assert.ErrorIs(t, err, errBadItem)
	assert.Equal(t, int32(1), l.post.Load())

	l2 := &lifecycle{postErr: errors.New("post failed")}
	ec = batch.NewExecutionContext(
		batch.WithHandlers(c, l2, loop.New(), loop.NewReadStage(), &tally{}),
		batch.WithItemSource(batch.NewSliceSource(numbers(4)...)),
	)
	_, err = ec.InvokeNext(context.Background(), nil)
	assert.EqualError(t, err, "post failed")
}

func TestFanOutReportsGoexitAsThreadKill(t *testing.T) {
	c := New(WithConcurrency(1))
	defer c.Close()

	killer := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		runtime.Goexit()
		return nil, nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, killer),
		batch.WithItemSource(batch.NewSliceSource(1)),
	)

	_, err := ec.InvokeNext(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, batch.KindThreadKilled, batch.KindOf(err))

	// the pool replaced the killed worker
	ec = batch.NewExecutionContext(
		batch.WithHandlers(c, loop.New(), loop.NewReadStage(), &tally{}),
		batch.WithItemSource(batch.NewSliceSource(1, 2)),
	)
	_, err = ec.InvokeNext(context.Background(), nil)
	assert.NoError(t, err)
}

func TestFanOutGivesUpAfterGracePeriod(t *testing.T) {
	out := &lockedBuffer{}
	c := New(WithConcurrency(2), WithGracePeriod(50*time.Millisecond), WithLogger(batch.NewFmtLogger(out)))
	defer c.Close()

	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	stubborn := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		if calls.Add(1) == 1 {
			return nil, errBadItem
		}
		<-release
		return batch.Success(nil), nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, stubborn),
		batch.WithItemSource(batch.NewSliceSource(1, 2)),
	)

	start := time.Now()
	_, err := ec.InvokeNext(context.Background(), nil)
	assert.ErrorIs(t, err, errBadItem)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, out.String(), "still running after grace period")
}

func TestFanOutHonorsCallerCancellation(t *testing.T) {
	c := New(WithConcurrency(2), WithGracePeriod(time.Second))
	defer c.Close()

	waiter := batch.HandlerFunc(func(ctx context.Context, _ any, _ *batch.ExecutionContext) (batch.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, waiter),
		batch.WithItemSource(batch.NewSliceSource(1)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := ec.InvokeNext(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.False(t, res.IsSuccess())
}

func TestFanOutWithoutSourceFailsFast(t *testing.T) {
	c := New(WithConcurrency(2))
	defer c.Close()

	l := &lifecycle{}
	ec := batch.NewExecutionContext(batch.WithHandlers(c, l, &tally{}))
	_, err := ec.InvokeNext(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), l.pre.Load())
}
