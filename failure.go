package batch

import (
	"context"
	"fmt"
)

// FailureReporter forwards fatal failures to an external error tracker.
type FailureReporter interface {
	ReportFailure(ctx context.Context, err error, item any)
}

// FailureReporterFunc is an adapter that lets you use a function as a FailureReporter
type FailureReporterFunc func(ctx context.Context, err error, item any)

func (f FailureReporterFunc) ReportFailure(ctx context.Context, err error, item any) {
	f(ctx, err, item)
}

// WriteFatalLog writes a fatal entry for err with the in-flight item attached
// and forwards it to reporter. Panics raised by the logger or the reporter
// are swallowed.
func WriteFatalLog(ctx context.Context, logger Logger, reporter FailureReporter, err error, item any) {
	if err == nil {
		return
	}

	func() {
		defer func() { _ = recover() }()
		fields := map[string]any{
			"kind":  KindOf(err).String(),
			"error": err.Error(),
		}
		if item != nil {
			fields["item"] = fmt.Sprintf("%v", item)
		}
		if code := textCode(err); code != "" {
			fields["text_code"] = code
		}
		WithLoggerFields(logger, fields).WithContext(ctx).Fatal("item processing failed: %v", err)
	}()

	if reporter == nil {
		return
	}
	func() {
		defer func() { _ = recover() }()
		reporter.ReportFailure(ctx, err, item)
	}()
}
