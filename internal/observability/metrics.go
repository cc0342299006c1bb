package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments creates instruments on one meter and keeps the first error, so
// a constructor can declare all of its instruments and check once.
type instruments struct {
	meter metric.Meter
	err   error
}

func newInstruments() *instruments {
	return &instruments{meter: otel.Meter(meterName)}
}

func (in *instruments) fail(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
}

func (in *instruments) durationMS(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	in.fail(name, err)
	return h
}

func (in *instruments) sizes(name, desc string) metric.Int64Histogram {
	h, err := in.meter.Int64Histogram(name, metric.WithDescription(desc))
	in.fail(name, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.fail(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.fail(name, err)
	return g
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// GraphQLMetrics holds the per-request metrics of the /graphql endpoint.
type GraphQLMetrics struct {
	requestDuration metric.Float64Histogram
	requests        metric.Int64Counter
	failures        metric.Int64Counter
	active          metric.Int64UpDownCounter
	depth           metric.Int64Histogram
	records         metric.Int64Histogram
	statements      metric.Int64Histogram
}

func InitGraphQLMetrics() (*GraphQLMetrics, error) {
	in := newInstruments()
	m := &GraphQLMetrics{
		requestDuration: in.durationMS("graphql.request.duration", "Duration of GraphQL requests in milliseconds"),
		requests:        in.counter("graphql.requests.total", "Total number of GraphQL requests"),
		failures:        in.counter("graphql.errors.total", "Total number of GraphQL requests answered with errors"),
		active:          in.gauge("graphql.requests.active", "Number of GraphQL requests in flight"),
		depth:           in.sizes("graphql.query.depth", "Selection depth of GraphQL operations"),
		records:         in.sizes("graphql.results.count", "Number of records materialized to serve one GraphQL request"),
		statements:      in.sizes("graphql.request.statements", "Number of SQL statements issued to serve one GraphQL request"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// RequestSample describes one finished GraphQL request.
type RequestSample struct {
	OperationType string
	Duration      time.Duration
	HasErrors     bool
	// Depth is zero when the document was not analyzed.
	Depth int
}

func (m *GraphQLMetrics) RecordRequest(ctx context.Context, s RequestSample) {
	op := attribute.String("operation_type", s.OperationType)
	attrs := metric.WithAttributes(op, attribute.Bool("has_errors", s.HasErrors))
	m.requestDuration.Record(ctx, millis(s.Duration), attrs)
	m.requests.Add(ctx, 1, attrs)
	if s.HasErrors {
		m.failures.Add(ctx, 1, metric.WithAttributes(op))
	}
	if s.Depth > 0 {
		m.depth.Record(ctx, int64(s.Depth), metric.WithAttributes(op))
	}
}

// RecordLoad records what the load scope of one request cost.
func (m *GraphQLMetrics) RecordLoad(ctx context.Context, operationType string, statements int64, records int) {
	attrs := metric.WithAttributes(attribute.String("operation_type", operationType))
	m.statements.Record(ctx, statements, attrs)
	m.records.Record(ctx, int64(records), attrs)
}

// TrackActive counts a request as in flight until the returned func runs.
func (m *GraphQLMetrics) TrackActive(ctx context.Context) func() {
	m.active.Add(ctx, 1)
	return func() { m.active.Add(ctx, -1) }
}

// InitMetrics initializes the request and planner metrics.
func InitMetrics(logger *slog.Logger) (*GraphQLMetrics, *PlannerMetrics, error) {
	metrics, err := InitGraphQLMetrics()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize GraphQL metrics: %w", err)
	}
	planner, err := InitPlannerMetrics()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize planner metrics: %w", err)
	}

	logger.Info("custom GraphQL and planner metrics initialized")
	return metrics, planner, nil
}

type graphQLMetricsContextKey struct{}

// ContextWithGraphQLMetrics stores GraphQL metrics in the provided context.
func ContextWithGraphQLMetrics(ctx context.Context, metrics *GraphQLMetrics) context.Context {
	return context.WithValue(ctx, graphQLMetricsContextKey{}, metrics)
}

// GraphQLMetricsFromContext returns the metrics stored by the metrics
// middleware, or nil.
func GraphQLMetricsFromContext(ctx context.Context) *GraphQLMetrics {
	metrics, _ := ctx.Value(graphQLMetricsContextKey{}).(*GraphQLMetrics)
	return metrics
}
