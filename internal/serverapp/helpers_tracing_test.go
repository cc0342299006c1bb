package serverapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loadplan/internal/config"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWrapHTTPHandler_NamesRootSpanByRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)
	originalTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(originalTP)
	})

	cfg := &config.Config{Observability: config.ObservabilityConfig{TracingEnabled: true}}
	handler := wrapHTTPHandler(cfg, testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	requests := []struct{ method, path, span string }{
		{http.MethodPost, "/graphql", "POST /graphql"},
		{http.MethodPost, "/admin/reload-schema", "POST /admin/reload-schema"},
		{http.MethodGet, "/songs/7", "GET /*"},
	}
	for _, r := range requests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s %s: status %d", r.method, r.path, rec.Code)
		}
	}

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, r := range requests {
		if !names[r.span] {
			t.Errorf("missing span %q, got %v", r.span, names)
		}
	}
}

func TestHTTPRootSpanName(t *testing.T) {
	if got := httpRootSpanName(nil); got != "HTTP /*" {
		t.Fatalf("nil request span = %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Method = " "
	if got := httpRootSpanName(req); got != "HTTP /metrics" {
		t.Fatalf("blank method span = %q", got)
	}
}

func TestTelemetryConfigCarriesPlannerSettings(t *testing.T) {
	cfg := &config.Config{
		Optimizer: config.OptimizerConfig{Enabled: true, ResolutionMode: "lazy"},
		Observability: config.ObservabilityConfig{
			ServiceName:      "loadplan",
			TraceSampleRatio: 0.25,
			OTLP:             config.OTLPConfig{Endpoint: "collector:4317", Timeout: time.Second},
			Traces:           &config.OTLPConfig{Protocol: "http/protobuf"},
		},
	}

	got := telemetryConfig(cfg)
	if !got.OptimizerEnabled || got.ResolutionMode != "lazy" || got.TraceSampleRatio != 0.25 {
		t.Fatalf("telemetry config lost planner settings: %+v", got)
	}

	exporter := exporterConfig(cfg.Observability.GetTracesConfig())
	if exporter.Endpoint != "collector:4317" || exporter.Protocol != "http/protobuf" || exporter.Timeout != time.Second {
		t.Fatalf("trace exporter config not merged from global OTLP settings: %+v", exporter)
	}
}
