package middleware

import (
	"net/http"

	"loadplan/internal/logging"
	"loadplan/internal/observability"
)

// GraphQLRequestAnalysisMiddleware parses the GraphQL document once and
// stores its summary in the request context for downstream middleware.
func GraphQLRequestAnalysisMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := analyzeRequest(r)
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := observability.ContextWithGraphQLRequestInfo(r.Context(), info)

			logger := logging.FromContext(ctx)
			if fields := observability.GraphQLLogFields(ctx, info); len(fields) > 0 {
				ctx = logging.WithLogger(ctx, logger.WithFields(fields...))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
