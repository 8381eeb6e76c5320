// Package logging adapts third party loggers to batch.Logger.
package logging

import (
	"context"
	"fmt"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-logger/glog"
)

// Glog adapts a go-logger logger. Messages are formatted before they reach
// the underlying logger, and Fatal is written at error level with a
// severity field so the process keeps running.
type Glog struct {
	logger glog.Logger
}

// NewGlog wraps logger. A nil logger yields the stdout fallback.
func NewGlog(logger glog.Logger) batch.Logger {
	if logger == nil {
		return batch.NewFmtLogger(nil)
	}
	return Glog{logger: logger}
}

func (l Glog) Trace(msg string, args ...any) { l.logger.Trace(format(msg, args)) }
func (l Glog) Debug(msg string, args ...any) { l.logger.Debug(format(msg, args)) }
func (l Glog) Info(msg string, args ...any)  { l.logger.Info(format(msg, args)) }
func (l Glog) Warn(msg string, args ...any)  { l.logger.Warn(format(msg, args)) }
func (l Glog) Error(msg string, args ...any) { l.logger.Error(format(msg, args)) }

func (l Glog) Fatal(msg string, args ...any) {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		fl.WithFields(map[string]any{"severity": "fatal"}).Error(format(msg, args))
		return
	}
	l.logger.Error("FATAL " + format(msg, args))
}

func (l Glog) WithContext(ctx context.Context) batch.Logger {
	return Glog{logger: l.logger.WithContext(ctx)}
}

func (l Glog) WithFields(fields map[string]any) batch.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return Glog{logger: fl.WithFields(fields)}
	}
	return l
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
