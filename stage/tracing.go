// Package stage holds reusable chain stages that wrap the rest of a chain.
package stage

import (
	"context"
	"fmt"

	batch "github.com/goliatone/go-batch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-batch/stage"

// Tracing opens a span around the rest of the chain for every item.
type Tracing struct {
	tracer trace.Tracer
	name   string
}

type TracingOption func(*Tracing)

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) TracingOption {
	return func(s *Tracing) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithSpanName sets the span name, "batch.item" by default.
func WithSpanName(name string) TracingOption {
	return func(s *Tracing) {
		if name != "" {
			s.name = name
		}
	}
}

func NewTracing(opts ...TracingOption) *Tracing {
	s := &Tracing{
		tracer: otel.Tracer(tracerName),
		name:   "batch.item",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Tracing) Name() string { return "tracing" }

func (s *Tracing) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	ctx, span := s.tracer.Start(ctx, s.name,
		trace.WithAttributes(
			attribute.String("batch.execution.id", ec.ID()),
			attribute.String("batch.execution.parent_id", ec.ParentID()),
			attribute.String("batch.item.type", fmt.Sprintf("%T", item)),
		))
	defer span.End()

	res, err := ec.InvokeNext(ctx, item)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetAttributes(attribute.String("batch.error.kind", batch.KindOf(err).String()))
		span.SetStatus(codes.Error, err.Error())
	case batch.IsNoMoreItems(res):
		span.SetAttributes(attribute.Bool("batch.no_more_items", true))
		span.SetStatus(codes.Ok, "")
	case res != nil && !res.IsSuccess():
		span.SetAttributes(attribute.Int("batch.status", res.StatusCode()))
		span.SetStatus(codes.Error, "failed result")
	default:
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}
