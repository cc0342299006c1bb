package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"loadplan/internal/dbexec"
	"loadplan/internal/rowcache"
)

func TestLoadScopeMiddlewareInjectsCacheAndCounter(t *testing.T) {
	var caches []*rowcache.Cache
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cache, ok := rowcache.FromContext(r.Context())
		require.True(t, ok)
		require.NotNil(t, dbexec.StatementCounterFromContext(r.Context()))
		caches = append(caches, cache)
	})
	handler := LoadScopeMiddleware()(next)

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/graphql", nil))
	}
	require.Len(t, caches, 2)
	assert.NotSame(t, caches[0], caches[1], "each request gets its own cache")
}

func TestLoadScopeMiddlewareAnnotatesExecuteSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cache, _ := rowcache.FromContext(r.Context())
		cache.Materialize("Artist", "1", map[string]any{"id": int64(1)})
		cache.Materialize("Artist", "1", map[string]any{"name": "Miles"})
	})
	handler := GraphQLRequestAnalysisMiddleware()(GraphQLTracingMiddleware()(LoadScopeMiddleware()(next)))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ artists { name } }"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spans[0].Attributes()
	assert.Contains(t, attrs, attribute.Int64("graphql.execution.statements", 0))
	assert.Contains(t, attrs, attribute.Int("graphql.execution.records", 1))
	assert.Contains(t, attrs, attribute.Int64("graphql.execution.cache_hits", 1))
	assert.Contains(t, attrs, attribute.Float64("graphql.execution.cache_hit_ratio", 0.5))
}
