package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"loadplan/internal/logging"
)

func TestAnalyzeDocument(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		operationName string
		wantType      string
		wantName      string
		wantFields    int
		wantDepth     int
		wantVars      int
	}{
		{
			name:       "anonymous query",
			query:      `{ songs { id name } }`,
			wantType:   "query",
			wantFields: 3,
			wantDepth:  2,
		},
		{
			name: "variables and nesting",
			query: `query Catalog($n: NonNegativeInt, $o: NonNegativeInt) {
				artists(limit: $n, offset: $o) {
					name
					albums(limit: 2) {
						name
						songs { name duration }
					}
				}
			}`,
			wantType:   "query",
			wantName:   "Catalog",
			wantFields: 7,
			wantDepth:  4,
			wantVars:   2,
		},
		{
			name: "named operation among several",
			query: `query A { songs { id } }
			query B { albums { id name } }`,
			operationName: "B",
			wantType:      "query",
			wantName:      "B",
			wantFields:    3,
			wantDepth:     2,
		},
		{
			name:       "inline fragments on an interface",
			query:      `{ allMedia { id ... on Song { duration } ... on Album { releaseDate } } }`,
			wantType:   "query",
			wantFields: 4,
			wantDepth:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := analyzeDocument(tt.query, tt.operationName)
			require.NoError(t, err)
			require.NotNil(t, info)
			assert.Equal(t, tt.wantType, info.OperationType)
			assert.Equal(t, tt.wantName, info.OperationName)
			assert.Equal(t, tt.wantFields, info.FieldCount)
			assert.Equal(t, tt.wantDepth, info.Depth)
			assert.Equal(t, tt.wantVars, info.VariableCount)
		})
	}
}

func TestAnalyzeDocumentUnknownOperation(t *testing.T) {
	info, err := analyzeDocument(`query A { songs { id } }`, "Missing")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = analyzeDocument(`query {`, "")
	assert.Error(t, err)
}

func TestCountFieldsAndDepthWithFragments(t *testing.T) {
	query := `
		fragment SongFields on Song {
			id
			...AlbumRef
		}

		fragment AlbumRef on Song {
			album { name }
		}

		query {
			songs {
				...SongFields
			}
		}
	`

	info, err := analyzeDocument(query, "")
	require.NoError(t, err)
	// songs, id, album, name
	assert.Equal(t, 4, info.FieldCount)
	assert.Equal(t, 3, info.Depth)
}

func TestShapeWalkerNilSelectionSet(t *testing.T) {
	w := newShapeWalker(map[string]*ast.FragmentDefinition{})
	w.walk(nil, 1)
	assert.Equal(t, 0, w.fields)
	assert.Equal(t, 0, w.depth)
}

func TestAnalyzeDocumentCyclicFragments(t *testing.T) {
	query := `
		fragment A on Song { id album { ...B } }
		fragment B on Album { name songs { ...A } }
		query { songs { ...A } }
	`
	info, err := analyzeDocument(query, "")
	require.NoError(t, err)
	// songs, id, album, name, songs
	assert.Equal(t, 5, info.FieldCount)
	assert.Equal(t, 3, info.Depth)
}

func TestGraphQLTracingMiddlewareStartsExecuteSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := GraphQLRequestAnalysisMiddleware()(GraphQLTracingMiddleware()(next))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"query Songs { songs { id } }"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "graphql.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("graphql.operation.name", "Songs"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("graphql.query.field_count", 2))
	assert.Equal(t, trace.SpanKindInternal, spans[0].SpanKind())
}

func TestGraphQLTracingMiddlewareTagsRequestLogger(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Format: "json", Output: &buf})
	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = trace.SpanContextFromContext(r.Context()).TraceID().String()
		logging.FromContext(r.Context()).Info("executing")
	})
	handler := GraphQLRequestAnalysisMiddleware()(GraphQLTracingMiddleware()(next))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ songs { id } }"}`))
	req = req.WithContext(logging.WithLogger(req.Context(), logger))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, traceID, record["trace_id"])
	assert.NotEmpty(t, record["span_id"])
}
