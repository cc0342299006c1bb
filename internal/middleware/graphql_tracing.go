package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"loadplan/internal/logging"
	"loadplan/internal/observability"
)

// GraphQLTracingMiddleware opens the graphql.execute span under the HTTP root
// span for requests the analysis middleware recognized as GraphQL. Plan
// builds, root loads and fallback fetches become its children.
func GraphQLTracingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := observability.GraphQLRequestInfoFromContext(r.Context())
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := otel.Tracer("loadplan/graphql").Start(r.Context(), "graphql.execute",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.GraphQLSpanAttributes(info)...),
			)
			defer span.End()

			next.ServeHTTP(w, r.WithContext(withTraceIDs(ctx, span)))
		})
	}
}

// withTraceIDs tags the request logger with the span's trace and span IDs.
func withTraceIDs(ctx context.Context, span trace.Span) context.Context {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	logger := logging.FromContext(ctx).WithFields(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
	return logging.WithLogger(ctx, logger)
}
