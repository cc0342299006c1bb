// Package middleware applies cross-cutting HTTP policies: request logging,
// GraphQL analysis, metrics, tracing, CORS, rate limiting and the per-request
// load scope.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"loadplan/internal/logging"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// loadSummary is filled in by LoadScopeMiddleware further down the chain so
// the completion record can report what serving the request cost.
type loadSummary struct {
	recorded   bool
	statements int64
	records    int
	cacheHits  int64
}

type loadSummaryKey struct{}

func summaryFromContext(ctx context.Context) *loadSummary {
	s, _ := ctx.Value(loadSummaryKey{}).(*loadSummary)
	return s
}

// LoggingMiddleware assigns each request an ID, stores a request logger in the
// context and logs one record when the request starts and one when it ends.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logger.WithRequestID(requestID).WithFields(slog.String("component", "http"))
			summary := &loadSummary{}
			ctx := logging.WithLogger(r.Context(), reqLogger)
			ctx = context.WithValue(ctx, loadSummaryKey{}, summary)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attribute.String("http.request_id", requestID))
			}

			reqLogger.Info("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", duration),
				slog.Int64("duration_ms", duration.Milliseconds()),
			}
			if summary.recorded {
				attrs = append(attrs,
					slog.Int64("statements", summary.statements),
					slog.Int("records", summary.records),
					slog.Int64("cache_hits", summary.cacheHits),
				)
			}
			reqLogger.Log(r.Context(), statusLevel(wrapped.statusCode), "request completed", attrs...)
		})
	}
}

func statusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// responseWriter records the status code written by the handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
		rw.ResponseWriter.WriteHeader(statusCode)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
