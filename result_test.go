package batch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusResult(t *testing.T) {
	assert.True(t, Success(1).IsSuccess())
	assert.Equal(t, 200, Success(1).StatusCode())

	f := Failure(200, "bad")
	assert.False(t, f.IsSuccess())
	assert.Equal(t, 500, f.StatusCode())

	done := NoMoreItems()
	assert.True(t, done.IsSuccess())
	assert.True(t, IsNoMoreItems(done))
	assert.False(t, IsNoMoreItems(Success(nil)))
}

func TestMultiResult(t *testing.T) {
	m := NewMultiResult()
	assert.True(t, m.IsSuccess())
	assert.Equal(t, 200, m.StatusCode())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Add(Success(nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, m.Len())
	assert.True(t, m.IsSuccess())

	m.Add(Failure(409, "conflict"))
	m.Add(nil)
	assert.False(t, m.IsSuccess())
	assert.Equal(t, 409, m.StatusCode())
	assert.Len(t, m.Results(), 12)
}

func TestWriteFatalLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFmtLogger(&buf)

	var reported []any
	reporter := FailureReporterFunc(func(_ context.Context, err error, item any) {
		reported = append(reported, item)
	})

	WriteFatalLog(context.Background(), logger, reporter, errors.New("boom"), "item-1")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "FATAL"))
	assert.Contains(t, out, "item=item-1")
	assert.Contains(t, out, "kind=runtime")
	require.Len(t, reported, 1)
	assert.Equal(t, "item-1", reported[0])
}

func TestWriteFatalLogSwallowsReporterPanics(t *testing.T) {
	reporter := FailureReporterFunc(func(context.Context, error, any) {
		panic("reporter down")
	})
	assert.NotPanics(t, func() {
		WriteFatalLog(context.Background(), NewFmtLogger(&bytes.Buffer{}), reporter, errors.New("boom"), nil)
	})
	assert.NotPanics(t, func() {
		WriteFatalLog(context.Background(), nil, nil, nil, nil)
	})
}
