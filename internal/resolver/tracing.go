package resolver

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "loadplan/resolver"

// resolveSpan traces one root field or plan build for a single GraphQL type.
type resolveSpan struct {
	trace.Span
	rows int // -1 until setRows
}

func startSpan(ctx context.Context, name, typeName string) (context.Context, *resolveSpan) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("graphql.type", typeName)),
	)
	return ctx, &resolveSpan{Span: span, rows: -1}
}

func (s *resolveSpan) setRows(n int) { s.rows = n }

// end records the outcome of err and the row count, then ends the span.
func (s *resolveSpan) end(err error) {
	attrs := []attribute.KeyValue{attribute.String("graphql.resolver.outcome", outcomeOf(err))}
	if s.rows >= 0 {
		attrs = append(attrs, attribute.Int("graphql.rows", s.rows))
	}
	s.SetAttributes(attrs...)
	if err != nil {
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
	}
	s.End()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, errAccessDenied):
		return "denied"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
