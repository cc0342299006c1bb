// Package sqlstore executes load plans against MySQL-compatible databases.
//
// The root plan and all of its joins are read with one SELECT using LEFT
// JOINs. Every prefetch is a separate statement matching children to the
// parents materialized so far; prefetches of one depth run concurrently.
// Rows are materialized through the request's identity cache.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"loadplan/internal/dbexec"
	"loadplan/internal/plan"
	"loadplan/internal/rowcache"
	"loadplan/internal/schemamap"
	"loadplan/internal/sqltype"
	"loadplan/internal/sqlutil"
)

const (
	defaultPrefetchConcurrency = 4
	defaultMaxInClause         = 1000
)

// Options tunes statement shape and parallelism.
type Options struct {
	// PrefetchConcurrency bounds the prefetch statements of one depth that
	// run at the same time.
	PrefetchConcurrency int
	// MaxInClause caps the parent tuples matched by one prefetch statement.
	MaxInClause int
	Logger      *slog.Logger
}

// Store loads plans through a query executor.
type Store struct {
	exec     dbexec.QueryExecutor
	registry *schemamap.Registry
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a store over a frozen registry.
func New(exec dbexec.QueryExecutor, registry *schemamap.Registry, opts Options) *Store {
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = defaultPrefetchConcurrency
	}
	if opts.MaxInClause <= 0 {
		opts.MaxInClause = defaultMaxInClause
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		exec:     exec,
		registry: registry,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("loadplan/sqlstore"),
	}
}

// WithExecutor returns a copy of the store reading through exec.
func (s *Store) WithExecutor(exec dbexec.QueryExecutor) *Store {
	out := *s
	out.exec = exec
	return &out
}

// Load reads the root rows selected by rq with every join and prefetch of p,
// materializing them in cache. Records are returned in identity-key order.
func (s *Store) Load(ctx context.Context, cache *rowcache.Cache, p *plan.LoadPlan, rq RootQuery) ([]*rowcache.Record, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.load", trace.WithAttributes(attribute.String("type", p.Type)))
	defer span.End()

	q, err := newQuery(s.registry, p)
	if err != nil {
		return nil, s.fail(span, err)
	}
	stmt, args, err := q.rootSQL(rq)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.run(ctx, stmt, args, q.fields, 0, func(values map[*node]map[string]any, _ []any) error {
		materialize(cache, q.root, values)
		return nil
	}); err != nil {
		return nil, s.fail(span, err)
	}

	if err := s.runPrefetches(ctx, cache, collectTasks(q)); err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("rows", len(q.root.records)))
	return q.root.records, nil
}

type task struct {
	parent  *node
	pending pendingPrefetch
}

func collectTasks(q *query) []task {
	var tasks []task
	for _, n := range q.nodes() {
		if len(n.records) == 0 {
			continue
		}
		for _, pending := range sortedPrefetches(n) {
			tasks = append(tasks, task{parent: n, pending: pending})
		}
	}
	return tasks
}

// runPrefetches executes tasks depth by depth. Tasks of one depth share an
// errgroup; the first failure cancels the rest.
func (s *Store) runPrefetches(ctx context.Context, cache *rowcache.Cache, tasks []task) error {
	for depth := 1; len(tasks) > 0; depth++ {
		var (
			mu   sync.Mutex
			next []task
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.PrefetchConcurrency)
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				more, err := s.prefetch(gctx, cache, t)
				if err != nil {
					return err
				}
				mu.Lock()
				next = append(next, more...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		s.logger.Debug("prefetch level complete", slog.Int("depth", depth), slog.Int("statements", len(tasks)))
		tasks = next
	}
	return nil
}

// prefetch loads one relation for every parent record of t and stores the
// result on each parent. It returns the tasks for the nested prefetches.
func (s *Store) prefetch(ctx context.Context, cache *rowcache.Cache, t task) ([]task, error) {
	fd := t.pending.relation
	pf := t.pending.prefetch
	ctx, span := s.tracer.Start(ctx, "sqlstore.prefetch", trace.WithAttributes(
		attribute.String("path", t.pending.path),
		attribute.String("relation", fd.Name),
		attribute.Int("parents", len(t.parent.records)),
	))
	defer span.End()

	tuples := parentTuples(t.parent.records, fd.LocalColumns)
	q, err := newQuery(s.registry, pf.Plan)
	if err != nil {
		return nil, s.fail(span, err)
	}

	width := len(fd.RemoteColumns)
	if fd.Through != nil {
		width = len(fd.Through.LocalColumns)
	}
	grouped := make(map[string][]*rowcache.Record)
	for _, chunk := range chunkTuples(tuples, s.opts.MaxInClause) {
		if len(chunk) == 0 {
			continue
		}
		stmt, args, err := q.prefetchSQL(fd, chunk, pf.Slice)
		if err != nil {
			return nil, s.fail(span, err)
		}
		err = s.run(ctx, stmt, args, q.fields, width, func(values map[*node]map[string]any, partition []any) error {
			rec := materialize(cache, q.root, values)
			if rec == nil {
				return nil
			}
			key := tupleKey(partition)
			grouped[key] = append(grouped[key], rec)
			return nil
		})
		if err != nil {
			return nil, s.fail(span, &plan.FetchFailure{Type: t.parent.desc.Name, Relation: fd.Name, Err: err})
		}
	}

	slot := rowcache.RelationKey(fd.Name, pf.Slice)
	for _, parent := range t.parent.records {
		var children []*rowcache.Record
		if _, key, ok := recordTuple(parent, fd.LocalColumns); ok {
			children = grouped[key]
		}
		if fd.Kind == schemamap.KindToOne {
			var target *rowcache.Record
			if len(children) > 0 {
				target = children[0]
			}
			parent.SetRelation(slot, target)
			continue
		}
		if children == nil {
			children = []*rowcache.Record{}
		}
		parent.SetRelation(slot, children)
	}
	return collectTasks(q), nil
}

// run executes stmt and hands every row to fn, split by plan node. The
// trailing partition columns are passed separately.
func (s *Store) run(ctx context.Context, stmt string, args []any, fields []scanField, partitionWidth int, fn func(map[*node]map[string]any, []any) error) error {
	s.logger.Debug("sqlstore query", slog.String("sql", stmt), slog.Int("args", len(args)))
	rows, err := s.exec.QueryContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	width := len(fields) + partitionWidth
	for rows.Next() {
		raw := make([]any, width)
		ptrs := make([]any, width)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		values := make(map[*node]map[string]any)
		for i, f := range fields {
			v, err := decodeColumn(f.node.desc, f.column, raw[i])
			if err != nil {
				return err
			}
			if values[f.node] == nil {
				values[f.node] = make(map[string]any)
			}
			values[f.node][f.column] = v
		}
		partition := make([]any, partitionWidth)
		for i := range partition {
			partition[i] = plainValue(raw[len(fields)+i])
		}
		if err := fn(values, partition); err != nil {
			return err
		}
	}
	return rows.Err()
}

// materialize turns the values read for n and its joins into cached
// records. A node whose identity columns are NULL (an absent LEFT JOIN
// target) yields nil.
func materialize(cache *rowcache.Cache, n *node, values map[*node]map[string]any) *rowcache.Record {
	own := values[n]
	key, ok := rowcache.IdentityKey(n.desc.IdentityKey, own)
	if !ok {
		return nil
	}
	rec := cache.Materialize(n.desc.Name, key, own)
	n.addRecord(rec)
	for _, j := range n.joins {
		child := materialize(cache, j.node, values)
		rec.SetRelation(j.relation.Name, child)
	}
	return rec
}

func decodeColumn(desc *schemamap.TypeDescriptor, column string, raw any) (any, error) {
	if fd, ok := desc.ScalarByColumn(column); ok {
		v, err := sqltype.Decode(fd.ScalarType, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", desc.Name, column, err)
		}
		return v, nil
	}
	return plainValue(raw), nil
}

// plainValue converts driver text values to strings so keys compare by value.
func plainValue(raw any) any {
	if b, ok := raw.([]byte); ok {
		return string(b)
	}
	return raw
}

func tupleKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "|")
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// FetchColumns reads columns of an already materialized record and fills
// them in.
func (s *Store) FetchColumns(ctx context.Context, rec *rowcache.Record, columns []string) error {
	desc, ok := s.registry.Lookup(rec.Type)
	if !ok {
		return fmt.Errorf("unknown type %s", rec.Type)
	}
	if len(columns) == 0 {
		return nil
	}
	eq := sq.Eq{}
	for _, col := range desc.IdentityKey {
		v, ok := rec.Value(col)
		if !ok {
			return fmt.Errorf("%s is missing identity column %s", rec, col)
		}
		eq[sqlutil.QuoteIdentifier(col)] = v
	}
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = sqlutil.QuoteIdentifier(col)
	}
	stmt, args, err := sq.Select(quoted...).
		From(sqlutil.QuoteIdentifier(desc.Table)).
		Where(eq).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return err
	}

	s.logger.Debug("sqlstore column fetch", slog.String("record", rec.String()), slog.Any("columns", columns))
	rows, err := s.exec.QueryContext(ctx, stmt, args...)
	if err != nil {
		return &plan.FetchFailure{Type: rec.Type, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return &plan.FetchFailure{Type: rec.Type, Err: err}
		}
		return &plan.FetchFailure{Type: rec.Type, Err: sql.ErrNoRows}
	}
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return &plan.FetchFailure{Type: rec.Type, Err: err}
	}
	values := make(map[string]any, len(columns))
	for i, col := range columns {
		v, err := decodeColumn(desc, col, raw[i])
		if err != nil {
			return &plan.FetchFailure{Type: rec.Type, Err: err}
		}
		values[col] = v
	}
	rec.Fill(values)
	return rows.Err()
}

// FetchRelation loads one relation of a single record with every column of
// the target type, stores it on the record and returns it: a *Record (nil
// when absent) for to-one relations, a []*Record otherwise.
func (s *Store) FetchRelation(ctx context.Context, cache *rowcache.Cache, parent *rowcache.Record, relation string, slice *plan.SliceSpec) (any, error) {
	fd, err := s.registry.LookupField(parent.Type, relation)
	if err != nil {
		return nil, err
	}
	if !fd.IsRelation() {
		return nil, fmt.Errorf("%s.%s is not a relation", parent.Type, relation)
	}
	if fd.Kind == schemamap.KindToOne {
		slice = nil
	}
	if missing := parent.Missing(fd.LocalColumns); len(missing) > 0 {
		if err := s.FetchColumns(ctx, parent, missing); err != nil {
			return nil, err
		}
	}
	parentDesc, _ := s.registry.Lookup(parent.Type)
	target, ok := s.registry.Lookup(fd.Target)
	if !ok {
		return nil, fmt.Errorf("unknown type %s", fd.Target)
	}
	child := plan.New(target.Name, relation, target.IdentityKey)
	child.Projection.Add(target.Columns()...)

	holder := &node{desc: parentDesc, seen: make(map[string]struct{})}
	holder.addRecord(parent)
	_, err = s.prefetch(ctx, cache, task{
		parent:  holder,
		pending: pendingPrefetch{path: relation, prefetch: &plan.Prefetch{Relation: relation, Plan: child, Slice: slice}, relation: fd},
	})
	if err != nil {
		return nil, err
	}
	value, _ := parent.Relation(rowcache.RelationKey(relation, slice))
	return value, nil
}
