package logging

import (
	"context"
	"sort"

	batch "github.com/goliatone/go-batch"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap adapts a zap logger. Trace maps to debug. Fatal entries keep their
// level but do not exit the process.
type Zap struct {
	logger *zap.Logger
}

// NewZap wraps logger. A nil logger yields the stdout fallback.
func NewZap(logger *zap.Logger) batch.Logger {
	if logger == nil {
		return batch.NewFmtLogger(nil)
	}
	return Zap{logger: logger.WithOptions(zap.WithFatalHook(keepRunning{}), zap.AddCallerSkip(1))}
}

func (l Zap) Trace(msg string, args ...any) { l.logger.Debug(format(msg, args)) }
func (l Zap) Debug(msg string, args ...any) { l.logger.Debug(format(msg, args)) }
func (l Zap) Info(msg string, args ...any)  { l.logger.Info(format(msg, args)) }
func (l Zap) Warn(msg string, args ...any)  { l.logger.Warn(format(msg, args)) }
func (l Zap) Error(msg string, args ...any) { l.logger.Error(format(msg, args)) }
func (l Zap) Fatal(msg string, args ...any) { l.logger.Fatal(format(msg, args)) }

// WithContext attaches the trace and span ids of the active span, if any.
func (l Zap) WithContext(ctx context.Context) batch.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return Zap{logger: l.logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)}
}

func (l Zap) WithFields(fields map[string]any) batch.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			zf = append(zf, zap.NamedError(k, err))
			continue
		}
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return Zap{logger: l.logger.With(zf...)}
}

type keepRunning struct{}

func (keepRunning) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) {}
