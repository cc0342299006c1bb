package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"loadplan/internal/plan"
)

// PlannerMetrics holds metrics for plan building and plan-backed resolution.
// A nil *PlannerMetrics records nothing.
type PlannerMetrics struct {
	buildDuration    metric.Float64Histogram
	planNodes        metric.Int64Histogram
	planPrefetches   metric.Int64Histogram
	buildErrors      metric.Int64Counter
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	fallbackCounter  metric.Int64Counter
	fallbackDuration metric.Float64Histogram
	schemaRefreshes  metric.Int64Counter
	refreshDuration  metric.Float64Histogram
}

// InitPlannerMetrics initializes planner metrics.
func InitPlannerMetrics() (*PlannerMetrics, error) {
	in := newInstruments()
	m := &PlannerMetrics{
		buildDuration:    in.durationMS("planner.build.duration", "Duration of load plan builds in milliseconds"),
		planNodes:        in.sizes("planner.plan.nodes", "Number of nodes in a built load plan"),
		planPrefetches:   in.sizes("planner.plan.prefetches", "Number of prefetches in a built load plan"),
		buildErrors:      in.counter("planner.build.errors.total", "Total number of rejected plan builds"),
		cacheHits:        in.counter("resolution.cache.hits", "Number of resolutions served from materialized records"),
		cacheMisses:      in.counter("resolution.cache.misses", "Number of resolutions that needed a fallback fetch"),
		fallbackCounter:  in.counter("resolution.fallback.total", "Total number of fallback fetches by outcome"),
		fallbackDuration: in.durationMS("resolution.fallback.duration", "Duration of fallback fetches in milliseconds"),
		schemaRefreshes:  in.counter("schema.refresh.total", "Total number of schema rebuilds by trigger and outcome"),
		refreshDuration:  in.durationMS("schema.refresh.duration", "Duration of schema rebuilds in milliseconds"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// RecordBuild records one plan build. p is nil when the build failed.
func (m *PlannerMetrics) RecordBuild(ctx context.Context, rootType string, duration time.Duration, p *plan.LoadPlan) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("root_type", rootType))
	m.buildDuration.Record(ctx, millis(duration), attrs)
	if p == nil {
		m.buildErrors.Add(ctx, 1, attrs)
		return
	}
	stats := p.Stats()
	m.planNodes.Record(ctx, int64(stats.Nodes), attrs)
	m.planPrefetches.Record(ctx, int64(stats.Prefetches), attrs)
}

// RecordCacheHit counts a resolution served without a fetch. kind is
// "relation" or "column".
func (m *PlannerMetrics) RecordCacheHit(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCacheMiss counts a resolution that falls back to a fetch.
func (m *PlannerMetrics) RecordCacheMiss(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFallback records a finished fallback fetch.
func (m *PlannerMetrics) RecordFallback(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.fallbackCounter.Add(ctx, 1, attrs)
	m.fallbackDuration.Record(ctx, millis(duration), attrs)
}

// RecordSchemaRefresh records a schema rebuild or fingerprint check. trigger
// is "startup", "manual", "poll" or "poll_no_change".
func (m *PlannerMetrics) RecordSchemaRefresh(ctx context.Context, duration time.Duration, success bool, trigger string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("success", success),
	)
	m.schemaRefreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, millis(duration), attrs)
}
