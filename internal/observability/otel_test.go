package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitMeterProvider(t *testing.T) {
	mp, err := InitMeterProvider(Config{ServiceName: "loadplan-test", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, mp.provider)
	require.NotNil(t, mp.exporter)

	metrics, planner, err := InitMetrics(discardLogger())
	require.NoError(t, err)
	require.NotNil(t, metrics.requestDuration)
	require.NotNil(t, metrics.statements)
	require.NotNil(t, planner.buildDuration)

	assert.NoError(t, mp.Shutdown(context.Background(), discardLogger()))
}

// collectHistogram returns the bucket bounds of the first data point of the
// named float histogram.
func collectHistogram(t *testing.T, reader *sdkmetric.ManualReader, name string) []float64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is %T", name, m.Data)
			require.NotEmpty(t, hist.DataPoints)
			return hist.DataPoints[0].Bounds
		}
	}
	t.Fatalf("metric %s not collected", name)
	return nil
}

func TestMetricViewsSetPlannerBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(metricViews()...))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	planner, err := InitPlannerMetrics()
	require.NoError(t, err)
	ctx := context.Background()
	planner.RecordBuild(ctx, "Song", 300*time.Microsecond, nil)
	planner.RecordSchemaRefresh(ctx, 2*time.Second, true, "startup")

	assert.Equal(t, planBuildBuckets, collectHistogram(t, reader, "planner.build.duration"))
	assert.Equal(t, refreshBuckets, collectHistogram(t, reader, "schema.refresh.duration"))
}

func TestNewResourceCarriesPlannerSettings(t *testing.T) {
	res, err := newResource(Config{
		ServiceName:      "loadplan",
		Environment:      "staging",
		OptimizerEnabled: true,
		ResolutionMode:   "blocking",
	})
	require.NoError(t, err)

	set := res.Set()
	name, _ := set.Value("service.name")
	assert.Equal(t, "loadplan", name.AsString())
	enabled, ok := set.Value("loadplan.optimizer.enabled")
	require.True(t, ok)
	assert.True(t, enabled.AsBool())
	mode, _ := set.Value(attribute.Key("loadplan.resolution_mode"))
	assert.Equal(t, "blocking", mode.AsString())

	res, err = newResource(Config{ServiceName: "loadplan"})
	require.NoError(t, err)
	assert.False(t, res.Set().HasValue("loadplan.resolution_mode"))
}

func TestResolveExporterSettings(t *testing.T) {
	s, err := resolveExporterSettings(OTLPExporterConfig{
		Endpoint:         "https://collector:4318",
		Protocol:         "http",
		Insecure:         true,
		Compression:      "gzip",
		RetryEnabled:     true,
		RetryMaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolHTTP, s.protocol)
	assert.True(t, s.endpointURL)
	assert.Nil(t, s.tls)
	assert.True(t, s.gzip)
	assert.True(t, s.retry)
	assert.Equal(t, 15*time.Second, s.retryBudget)

	s, err = resolveExporterSettings(OTLPExporterConfig{Endpoint: "collector:4317", RetryEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolGRPC, s.protocol)
	assert.False(t, s.endpointURL)
	require.NotNil(t, s.tls, "TLS is the default")
	assert.False(t, s.retry, "retry needs a positive attempt count")

	_, err = resolveExporterSettings(OTLPExporterConfig{Protocol: "thrift"})
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestBuildTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not-a-cert"), 0600))

	tests := []struct {
		name string
		cfg  OTLPExporterConfig
		want string
	}{
		{name: "missing CA file", cfg: OTLPExporterConfig{TLSCertFile: filepath.Join(dir, "missing.pem")}, want: "failed to read OTLP TLS CA file"},
		{name: "CA file is not PEM", cfg: OTLPExporterConfig{TLSCertFile: junk}, want: "failed to parse OTLP TLS CA file"},
		{name: "client cert without key", cfg: OTLPExporterConfig{TLSClientCertFile: junk}, want: "must both be set"},
		{name: "unreadable client pair", cfg: OTLPExporterConfig{TLSClientCertFile: junk, TLSClientKeyFile: junk}, want: "failed to load OTLP TLS client certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildTLSConfig(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func sample(sampler sdktrace.Sampler, parent context.Context, id byte) sdktrace.SamplingDecision {
	return sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent,
		TraceID:       trace.TraceID{id},
		Name:          "graphql.execute",
	}).Decision
}

func TestTraceSamplerForRatio(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, sdktrace.Drop, sample(traceSamplerForRatio(0), ctx, 1))
	assert.Equal(t, sdktrace.RecordAndSample, sample(traceSamplerForRatio(1), ctx, 2))

	remoteParent := func(flags trace.TraceFlags) context.Context {
		return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{3},
			SpanID:     trace.SpanID{1},
			TraceFlags: flags,
			Remote:     true,
		}))
	}
	half := traceSamplerForRatio(0.5)
	assert.Equal(t, sdktrace.RecordAndSample, sample(half, remoteParent(trace.FlagsSampled), 4))
	assert.Equal(t, sdktrace.Drop, sample(half, remoteParent(0), 5))
}
