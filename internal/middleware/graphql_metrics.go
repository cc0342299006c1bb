package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"loadplan/internal/observability"
)

// GraphQLMetricsMiddleware records one request sample per GraphQL POST and
// makes the metrics available to LoadScopeMiddleware further down the chain.
// GraphiQL page loads and other GETs pass through unmeasured.
func GraphQLMetricsMiddleware(metrics *observability.GraphQLMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			ctx := observability.ContextWithGraphQLMetrics(r.Context(), metrics)
			done := metrics.TrackActive(ctx)
			defer done()

			sample := observability.RequestSample{OperationType: "unknown"}
			info := observability.GraphQLRequestInfoFromContext(ctx)
			if info == nil {
				info = analyzeRequest(r)
			}
			if info != nil {
				if op := strings.TrimSpace(info.OperationType); op != "" {
					sample.OperationType = op
				}
				sample.Depth = info.Depth
			}

			start := time.Now()
			capture := &bodyCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r.WithContext(ctx))
			sample.Duration = time.Since(start)
			sample.HasErrors = capture.status >= http.StatusBadRequest || hasGraphQLErrors(capture.body.Bytes())

			metrics.RecordRequest(ctx, sample)
		})
	}
}

// bodyCapture keeps a copy of the response so the errors member can be
// inspected once the handler returns.
type bodyCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *bodyCapture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(status)
}

func (c *bodyCapture) Write(b []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// hasGraphQLErrors reports whether body is a GraphQL response with a non-empty
// errors list. Bodies that are not JSON count as error free.
func hasGraphQLErrors(body []byte) bool {
	var payload struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return len(payload.Errors) > 0
}
