package batch

import (
	"context"
	"reflect"
)

// Handler is one stage of the chain. A stage may call ec.InvokeNext any number
// of times, with any item, to delegate to the rest of the chain.
type Handler interface {
	Handle(ctx context.Context, item any, ec *ExecutionContext) (Result, error)
}

// HandlerFunc is an adapter that lets you use a function as a Handler
type HandlerFunc func(ctx context.Context, item any, ec *ExecutionContext) (Result, error)

// Handle calls the underlying function
func (f HandlerFunc) Handle(ctx context.Context, item any, ec *ExecutionContext) (Result, error) {
	return f(ctx, item, ec)
}

// ExecutionListener receives run level notifications from a fan-out controller.
type ExecutionListener interface {
	PreExecution(ctx context.Context, ec *ExecutionContext) error
	PostExecution(ctx context.Context, result Result, ec *ExecutionContext) error
}

// ItemListener receives per item transaction notifications from a loop controller.
// ItemSucceeded runs inside the item transaction, ItemFailed runs in a fresh
// transaction after the item transaction was rolled back.
type ItemListener interface {
	ItemSucceeded(ctx context.Context, item any, result Result, ec *ExecutionContext) error
	ItemFailed(ctx context.Context, item any, cause error, ec *ExecutionContext) error
}

// Discover returns the handlers implementing T in chain order. The scan stops
// at the first handler sharing the concrete type of self, so nested
// controllers of the same kind keep their own listeners.
func Discover[T any](handlers []Handler, self Handler) []T {
	var selfType reflect.Type
	if self != nil {
		selfType = reflect.TypeOf(self)
	}
	var out []T
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if selfType != nil && reflect.TypeOf(h) == selfType {
			break
		}
		if t, ok := h.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// HandlerName returns a printable name for a handler.
func HandlerName(h Handler) string {
	if named, ok := h.(interface{ Name() string }); ok {
		return named.Name()
	}
	if h == nil {
		return "<nil>"
	}
	return reflect.TypeOf(h).String()
}
