package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loadplan/internal/dbexec"
	"loadplan/internal/logging"
	"loadplan/internal/observability"
	"loadplan/internal/rowcache"
)

// LoadScopeMiddleware gives each request its own identity cache and SQL
// statement counter. Every root field of the request shares them, so a row
// loaded by one root is reused by the others.
func LoadScopeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cache := rowcache.New()
			ctx := rowcache.WithCache(r.Context(), cache)
			ctx, counter := dbexec.WithStatementCounter(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))

			stats := cache.Stats()
			statements := counter.Count()

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.Int64("graphql.execution.statements", statements),
					attribute.Int("graphql.execution.records", stats.Records),
					attribute.Int64("graphql.execution.cache_hits", stats.Hits),
					attribute.Int64("graphql.execution.cache_misses", stats.Misses),
				)
				if total := stats.Hits + stats.Misses; total > 0 {
					span.SetAttributes(attribute.Float64("graphql.execution.cache_hit_ratio", float64(stats.Hits)/float64(total)))
				}
			}

			operationType := "unknown"
			if info := observability.GraphQLRequestInfoFromContext(ctx); info != nil && info.OperationType != "" {
				operationType = info.OperationType
			}
			if metrics := observability.GraphQLMetricsFromContext(ctx); metrics != nil {
				metrics.RecordLoad(ctx, operationType, statements, stats.Records)
			}

			if summary := summaryFromContext(ctx); summary != nil {
				*summary = loadSummary{recorded: true, statements: statements, records: stats.Records, cacheHits: stats.Hits}
			}

			logging.FromContext(ctx).Debug("request load scope closed",
				slog.Int64("statements", statements),
				slog.Int("records", stats.Records),
				slog.Int64("cache_hits", stats.Hits),
			)
		})
	}
}
