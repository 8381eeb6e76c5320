package resident

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/loop"
	"github.com/goliatone/go-batch/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) fatals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "FATAL")
}

type harness struct {
	out      *logBuffer
	sleeps   []time.Duration
	reported []any
	src      *batch.SliceSource
	seen     []any
}

// run drives a resident controller over items; fail decides the outcome per item.
func (h *harness) run(t *testing.T, items []int, fail func(item any) error, opts ...Option) (batch.Result, error) {
	t.Helper()
	h.out = &logBuffer{}
	h.src = batch.NewSliceSource(items...)

	opts = append([]Option{
		WithLogger(batch.NewFmtLogger(h.out)),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		WithReporter(batch.FailureReporterFunc(func(_ context.Context, _ error, item any) {
			h.reported = append(h.reported, item)
		})),
	}, opts...)

	stage := batch.HandlerFunc(func(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		h.seen = append(h.seen, item)
		if err := fail(item); err != nil {
			return nil, err
		}
		return batch.Success(item), nil
	})

	ec := batch.NewExecutionContext(
		batch.WithHandlers(New(opts...), loop.NewReadStage(), stage),
		batch.WithItemSource(h.src),
	)
	return ec.InvokeNext(context.Background(), nil)
}

func failOn(target any, err error) func(any) error {
	return func(item any) error {
		if item == target {
			return err
		}
		return nil
	}
}

func TestServiceUnavailableIsAbsorbed(t *testing.T) {
	h := &harness{}
	res, err := h.run(t, []int{1, 2, 3, 4}, failOn(2, batch.NewServiceUnavailable("db down", nil)), WithBackoff(250*time.Millisecond))

	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, []any{1, 2, 3, 4}, h.seen)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, h.sleeps)
	assert.Equal(t, 0, h.out.fatals())
	assert.Empty(t, h.reported)
}

func TestProcessStopEndsLoopCleanly(t *testing.T) {
	h := &harness{}
	res, err := h.run(t, []int{1, 2, 3, 4}, failOn(2, batch.NewProcessStop("operator stop")))

	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, []any{1, 2}, h.seen)
	assert.True(t, h.src.HasNext(context.Background(), nil))
	assert.Equal(t, 0, h.out.fatals())
}

func TestRuntimeErrorIsLoggedOnceAndRetryable(t *testing.T) {
	boom := errors.New("boom")
	h := &harness{}
	_, err := h.run(t, []int{1, 2, 3}, failOn(2, boom))

	require.Error(t, err)
	assert.Equal(t, batch.KindRetryable, batch.KindOf(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, h.out.fatals())
	assert.Equal(t, []any{2}, h.reported)
}

func TestPanicIsLoggedAndRetryable(t *testing.T) {
	h := &harness{}
	_, err := h.run(t, []int{1}, func(any) error { panic("handler bug") })

	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))
	assert.Equal(t, 1, h.out.fatals())
}

func TestClassificationTable(t *testing.T) {
	abnormal := batch.NewAbnormalEnd(190, "E1", nil)
	retryable := batch.NewRetryable("again")
	irrecoverable := batch.NewIrrecoverable("broken runtime", nil)

	cases := []struct {
		name      string
		err       error
		retryable bool
		same      bool
		fatals    int
	}{
		{"service error", batch.NewServiceError(500, "backend", nil), true, false, 1},
		{"result error", batch.NewResultError(batch.Failure(404, "missing")), true, false, 1},
		{"abnormal end", abnormal, false, true, 0},
		{"already retryable", retryable, true, true, 0},
		{"thread killed", batch.ErrThreadKilled, false, true, 0},
		{"resource exhausted", batch.NewResourceExhausted("out of memory"), true, false, 1},
		{"irrecoverable", irrecoverable, false, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &harness{}
			_, err := h.run(t, []int{1, 2}, failOn(1, tc.err))

			require.Error(t, err)
			assert.Equal(t, tc.retryable, batch.IsRetryable(err))
			if tc.same {
				assert.Same(t, tc.err, err)
			}
			assert.Equal(t, tc.fatals, h.out.fatals())
		})
	}
}

func TestFailedResultIsTreatedAsResultError(t *testing.T) {
	out := &logBuffer{}
	stage := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		return batch.Failure(409, "duplicate"), nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(New(WithLogger(batch.NewFmtLogger(out))), loop.NewReadStage(), stage),
		batch.WithItemSource(batch.NewSliceSource(1)),
	)

	_, err := ec.InvokeNext(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))
	assert.Equal(t, 1, out.fatals())
}

// gappySource reports pending items but yields nothing on scripted reads,
// like a queue polled between deliveries.
type gappySource struct {
	reads []any
	pos   int
}

func (g *gappySource) HasNext(context.Context, *batch.ExecutionContext) bool {
	return g.pos < len(g.reads)
}

func (g *gappySource) Read(context.Context, *batch.ExecutionContext) (any, error) {
	if g.pos >= len(g.reads) {
		return nil, nil
	}
	item := g.reads[g.pos]
	g.pos++
	return item, nil
}

func (g *gappySource) Close(context.Context, *batch.ExecutionContext) error { return nil }

func TestIdleIntervalAfterNoMoreItems(t *testing.T) {
	var sleeps []time.Duration
	c := New(
		WithLogger(batch.NewFmtLogger(&logBuffer{})),
		WithIdleInterval(time.Second),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}),
	)
	stage := batch.HandlerFunc(func(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		return batch.Success(item), nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(c, loop.NewReadStage(), stage),
		batch.WithItemSource(&gappySource{reads: []any{"a", nil, "b"}}),
	)

	res, err := ec.InvokeNext(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.(*batch.StatusResult).Value)
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestCanceledContextStopsResidentLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	stage := batch.HandlerFunc(func(ctx context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		calls++
		if calls == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return batch.Success(item), nil
	})
	ec := batch.NewExecutionContext(
		batch.WithHandlers(New(WithLogger(batch.NewFmtLogger(&logBuffer{}))), loop.NewReadStage(), stage),
		batch.WithItemSource(batch.NewSliceSource(1, 2, 3, 4)),
	)

	res, err := ec.InvokeNext(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, 2, calls)
}

func TestRetryAroundResidentGivesUp(t *testing.T) {
	out := &logBuffer{}
	logger := batch.NewFmtLogger(out)
	stage := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		return nil, errors.New("always failing")
	})

	r := retry.New(retry.WithRetryLimit(2), retry.WithLogger(logger), retry.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	ec := batch.NewExecutionContext(
		batch.WithHandlers(r, New(WithLogger(logger)), loop.NewReadStage(), stage),
		batch.WithItemSource(batch.NewSliceSource(1, 2, 3, 4, 5)),
	)

	_, err := ec.InvokeNext(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, batch.KindAbnormalEnd, batch.KindOf(err))
	assert.Equal(t, retry.DefaultExitCode, batch.ExitCodeFor(nil, err))
	assert.Equal(t, 3, out.fatals())
}
