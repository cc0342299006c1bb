package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"loadplan/internal/plan"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt64(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestPlannerMetricsRecords(t *testing.T) {
	reader := installManualReader(t)
	m, err := InitPlannerMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	p := plan.New("Song", "", []string{"id"})
	p.Prefetches["tags"] = &plan.Prefetch{Relation: "tags", Plan: plan.New("Tag", "tags", []string{"id"})}

	m.RecordBuild(ctx, "Song", 2*time.Millisecond, p)
	m.RecordBuild(ctx, "Song", time.Millisecond, nil)
	m.RecordCacheHit(ctx, "relation")
	m.RecordCacheHit(ctx, "column")
	m.RecordCacheMiss(ctx, "relation")
	m.RecordFallback(ctx, "relation", time.Millisecond, errors.New("boom"))
	m.RecordSchemaRefresh(ctx, 5*time.Millisecond, true, "startup")
	m.RecordSchemaRefresh(ctx, time.Millisecond, false, "poll")

	got := collectMetrics(t, reader)
	assert.Contains(t, got, "planner.build.duration")
	assert.Contains(t, got, "planner.plan.nodes")
	assert.Contains(t, got, "resolution.fallback.duration")
	assert.Equal(t, int64(1), sumInt64(t, got["planner.build.errors.total"]))
	assert.Equal(t, int64(2), sumInt64(t, got["resolution.cache.hits"]))
	assert.Equal(t, int64(1), sumInt64(t, got["resolution.cache.misses"]))
	assert.Equal(t, int64(1), sumInt64(t, got["resolution.fallback.total"]))
	assert.Equal(t, int64(2), sumInt64(t, got["schema.refresh.total"]))
}

func TestNilPlannerMetricsIsNoop(t *testing.T) {
	var m *PlannerMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordBuild(ctx, "Song", time.Millisecond, nil)
		m.RecordCacheHit(ctx, "relation")
		m.RecordCacheMiss(ctx, "column")
		m.RecordFallback(ctx, "relation", time.Millisecond, nil)
		m.RecordSchemaRefresh(ctx, time.Millisecond, true, "manual")
	})
}
