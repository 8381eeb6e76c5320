package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *Tracing) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, NewTracing(WithTracer(tp.Tracer("test")))
}

func attr(span sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestTracingSpanPerItem(t *testing.T) {
	sr, tracing := newRecorder(t)
	sink := batch.HandlerFunc(func(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		if item == 3 {
			return nil, batch.NewServiceUnavailable("db down", nil)
		}
		return batch.Success(item), nil
	})

	ec := batch.NewExecutionContext(
		batch.WithHandlers(loop.New(), loop.NewReadStage(), tracing, sink),
		batch.WithItemSource(batch.NewSliceSource(1, 2, 3)),
	)
	_, err := ec.InvokeNext(context.Background(), nil)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 3)
	for _, span := range spans[:2] {
		assert.Equal(t, "batch.item", span.Name())
		assert.Equal(t, codes.Ok, span.Status().Code)
		typ, ok := attr(span, "batch.item.type")
		require.True(t, ok)
		assert.Equal(t, "int", typ)
	}

	failed := spans[2]
	assert.Equal(t, codes.Error, failed.Status().Code)
	kind, _ := attr(failed, "batch.error.kind")
	assert.Equal(t, batch.KindServiceUnavailable.String(), kind)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestTracingMarksFailedResult(t *testing.T) {
	sr, tracing := newRecorder(t)
	sink := batch.HandlerFunc(func(context.Context, any, *batch.ExecutionContext) (batch.Result, error) {
		return batch.Failure(404, "missing"), nil
	})
	ec := batch.NewExecutionContext(batch.WithHandlers(NewTracing(WithSpanName("custom")), tracing, sink))

	res, err := ec.InvokeNext(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, res.IsSuccess())

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	status, _ := attr(spans[0], "batch.status")
	assert.Equal(t, "404", status)
}

func pass() batch.Handler {
	return batch.HandlerFunc(func(_ context.Context, item any, _ *batch.ExecutionContext) (batch.Result, error) {
		return batch.Success(item), nil
	})
}

func TestThrottleSpacesItems(t *testing.T) {
	throttle := NewThrottle(50, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		ec := batch.NewExecutionContext(batch.WithHandlers(throttle, pass()))
		_, err := ec.InvokeNext(context.Background(), i)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestThrottleHonorsContext(t *testing.T) {
	throttle := NewThrottle(0.001, 1)
	ec := batch.NewExecutionContext(batch.WithHandlers(throttle, pass()))
	_, err := ec.InvokeNext(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ec = batch.NewExecutionContext(batch.WithHandlers(throttle, pass()))
	_, err = ec.InvokeNext(ctx, 2)
	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	ec = batch.NewExecutionContext(batch.WithHandlers(throttle, pass()))
	_, err = ec.InvokeNext(canceled, 3)
	assert.True(t, errors.Is(err, context.Canceled))
}
