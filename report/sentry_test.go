package report

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	batch "github.com/goliatone/go-batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func newTestReporter(t *testing.T) (*Sentry, *captured) {
	t.Helper()
	c := &captured{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, event)
			return nil
		},
	})
	require.NoError(t, err)
	return NewSentry(sentry.NewHub(client, sentry.NewScope())), c
}

func TestReportFailureTagsKindAndItem(t *testing.T) {
	reporter, c := newTestReporter(t)
	err := batch.NewServiceError(502, "upstream failed", errors.New("bad gateway"))

	reporter.ReportFailure(context.Background(), err, 42)

	require.Len(t, c.events, 1)
	ev := c.events[0]
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, batch.KindServiceError.String(), ev.Tags["batch.kind"])
	assert.Equal(t, "42", ev.Extra["item"])
	require.NotEmpty(t, ev.Exception)
}

func TestReportAbnormalEndIsFatal(t *testing.T) {
	reporter, c := newTestReporter(t)
	reporter.ReportFailure(context.Background(), batch.NewAbnormalEnd(180, "RETRY_EXHAUSTED", nil), nil)
	reporter.ReportFailure(context.Background(), nil, "ignored")

	require.Len(t, c.events, 1)
	assert.Equal(t, sentry.LevelFatal, c.events[0].Level)
	assert.Equal(t, "RETRY_EXHAUSTED", c.events[0].Tags["batch.failure_code"])
	assert.NotContains(t, c.events[0].Extra, "item")
}

func TestReporterPlugsIntoFatalLog(t *testing.T) {
	reporter, c := newTestReporter(t)
	batch.WriteFatalLog(context.Background(), batch.NewFmtLogger(&discard{}), reporter, errors.New("boom"), "a")

	require.Len(t, c.events, 1)
	assert.Equal(t, batch.KindRuntime.String(), c.events[0].Tags["batch.kind"])
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
