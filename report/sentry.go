// Package report forwards fatal item failures to external error trackers.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	batch "github.com/goliatone/go-batch"
)

// DefaultFlushTimeout bounds Flush when the process shuts down.
const DefaultFlushTimeout = 2 * time.Second

// Sentry reports failures as Sentry exceptions tagged with the error kind
// and text code, with the failed item as extra data.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry reports through hub, or the current hub when hub is nil.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

// NewSentryFromDSN creates a dedicated client for dsn.
func NewSentryFromDSN(dsn, environment string) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return NewSentry(sentry.NewHub(client, sentry.NewScope())), nil
}

func (s *Sentry) ReportFailure(ctx context.Context, err error, item any) {
	if err == nil {
		return
	}
	hub := s.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}

	hub.WithScope(func(scope *sentry.Scope) {
		kind := batch.KindOf(err)
		scope.SetLevel(levelFor(kind))
		scope.SetTag("batch.kind", kind.String())
		if code := batch.FailureCodeOf(err); code != "" {
			scope.SetTag("batch.failure_code", code)
		}
		if item != nil {
			scope.SetExtra("item", fmt.Sprintf("%v", item))
		}
		hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (s *Sentry) Flush(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	return s.hub.Flush(timeout)
}

func levelFor(kind batch.Kind) sentry.Level {
	switch kind {
	case batch.KindServiceUnavailable, batch.KindRetryable:
		return sentry.LevelWarning
	case batch.KindAbnormalEnd, batch.KindIrrecoverable, batch.KindResourceExhausted, batch.KindThreadKilled:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
