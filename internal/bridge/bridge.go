// Package bridge serves resolver reads from materialized records and falls
// back to a store fetch when a value was not loaded by the plan.
//
// A fallback is the only point where resolution may suspend. In blocking
// mode the fetch runs on the resolver's goroutine. In async mode the resolver
// receives a graphql-go thunk and the fetch runs on a bounded worker pool.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"loadplan/internal/observability"
	"loadplan/internal/plan"
	"loadplan/internal/rowcache"
)

// Mode selects how fallback fetches are executed.
type Mode string

const (
	// ModeBlocking runs fallback fetches inline.
	ModeBlocking Mode = "blocking"
	// ModeAsync hands fallback fetches to the worker pool and returns thunks.
	ModeAsync Mode = "async"
)

const (
	kindRelation = "relation"
	kindColumn   = "column"

	defaultWorkers = 8
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBlocking, ModeAsync:
		return Mode(s), nil
	case "":
		return ModeBlocking, nil
	default:
		return "", fmt.Errorf("unknown resolution mode %q (expected blocking or async)", s)
	}
}

// Fetcher performs fallback reads. *sqlstore.Store implements it.
type Fetcher interface {
	FetchRelation(ctx context.Context, cache *rowcache.Cache, parent *rowcache.Record, relation string, slice *plan.SliceSpec) (any, error)
	FetchColumns(ctx context.Context, rec *rowcache.Record, columns []string) error
}

// Options configures a Bridge.
type Options struct {
	Mode Mode
	// Workers bounds concurrent fallback fetches in async mode.
	Workers int
	Logger  *slog.Logger
	Metrics *observability.PlannerMetrics
}

// Bridge resolves relations and columns of materialized records.
type Bridge struct {
	fetcher Fetcher
	mode    Mode
	workers *semaphore.Weighted
	group   singleflight.Group
	logger  *slog.Logger
	metrics *observability.PlannerMetrics
	tracer  trace.Tracer
}

// New creates a bridge over fetcher.
func New(fetcher Fetcher, opts Options) *Bridge {
	if opts.Mode == "" {
		opts.Mode = ModeBlocking
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		fetcher: fetcher,
		mode:    opts.Mode,
		workers: semaphore.NewWeighted(int64(opts.Workers)),
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("loadplan/bridge"),
	}
}

// Mode reports the configured execution mode.
func (b *Bridge) Mode() Mode { return b.mode }

// Relation resolves relation on parent. The result is a *rowcache.Record or
// nil for to-one relations and a []*rowcache.Record for to-many relations;
// in async mode a miss returns a func() (interface{}, error) thunk instead.
func (b *Bridge) Relation(ctx context.Context, parent *rowcache.Record, relation string, slice *plan.SliceSpec) (any, error) {
	if parent == nil {
		return nil, nil
	}
	slot := rowcache.RelationKey(relation, slice)
	if v, ok := parent.Relation(slot); ok {
		b.metrics.RecordCacheHit(ctx, kindRelation)
		return v, nil
	}
	b.metrics.RecordCacheMiss(ctx, kindRelation)

	key := fmt.Sprintf("%p/%s", parent, slot)
	return b.dispatch(ctx, kindRelation, key, func(ctx context.Context) (any, error) {
		if v, ok := parent.Relation(slot); ok {
			return v, nil
		}
		cache, ok := rowcache.FromContext(ctx)
		if !ok {
			cache = rowcache.New()
		}
		v, err := b.fetcher.FetchRelation(ctx, cache, parent, relation, slice)
		if err != nil {
			return nil, wrapFailure(parent.Type, relation, err)
		}
		return v, nil
	})
}

// Columns makes sure every column is loaded on rec, then calls fn with the
// record's values. Like Relation it returns a thunk on a miss in async mode.
func (b *Bridge) Columns(ctx context.Context, rec *rowcache.Record, columns []string, fn func(values map[string]any) (any, error)) (any, error) {
	if rec == nil {
		return nil, nil
	}
	missing := rec.Missing(columns)
	if len(missing) == 0 {
		b.metrics.RecordCacheHit(ctx, kindColumn)
		return fn(rec.Values())
	}
	b.metrics.RecordCacheMiss(ctx, kindColumn)

	key := fmt.Sprintf("%p/%v", rec, missing)
	return b.dispatch(ctx, kindColumn, key, func(ctx context.Context) (any, error) {
		if missing := rec.Missing(columns); len(missing) > 0 {
			if err := b.fetcher.FetchColumns(ctx, rec, missing); err != nil {
				return nil, wrapFailure(rec.Type, "", err)
			}
		}
		return fn(rec.Values())
	})
}

// Column resolves one column of rec.
func (b *Bridge) Column(ctx context.Context, rec *rowcache.Record, column string) (any, error) {
	return b.Columns(ctx, rec, []string{column}, func(values map[string]any) (any, error) {
		return values[column], nil
	})
}

// dispatch runs fetch once per key across concurrent callers, inline or on
// the worker pool depending on the mode.
func (b *Bridge) dispatch(ctx context.Context, kind, key string, fetch func(context.Context) (any, error)) (any, error) {
	run := func(ctx context.Context) (any, error) {
		ctx, span := b.tracer.Start(ctx, "bridge.fallback", trace.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("mode", string(b.mode)),
		))
		defer span.End()

		start := time.Now()
		v, err, shared := b.group.Do(key, func() (any, error) {
			return fetch(ctx)
		})
		b.metrics.RecordFallback(ctx, kind, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		b.logger.Debug("fallback fetch", slog.String("kind", kind), slog.String("key", key), slog.Bool("shared", shared))
		return v, nil
	}

	if b.mode != ModeAsync {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return run(ctx)
	}

	results := make(chan result, 1)
	go func() {
		if err := b.workers.Acquire(ctx, 1); err != nil {
			results <- result{err: err}
			return
		}
		defer b.workers.Release(1)
		v, err := run(ctx)
		results <- result{value: v, err: err}
	}()

	return func() (interface{}, error) {
		select {
		case r := <-results:
			return r.value, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil
}

type result struct {
	value any
	err   error
}

func wrapFailure(typeName, relation string, err error) error {
	var failure *plan.FetchFailure
	if errors.As(err, &failure) {
		return err
	}
	return &plan.FetchFailure{Type: typeName, Relation: relation, Err: err}
}
