package sqlstore

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"loadplan/internal/plan"
	"loadplan/internal/planexec"
	"loadplan/internal/rowcache"
	"loadplan/internal/schemamap"
	"loadplan/internal/sqlutil"
)

const (
	junctionAlias  = "jt"
	rowNumberAlias = "__rn"
)

// node is one plan node placed in a SELECT statement.
type node struct {
	plan  *plan.LoadPlan
	desc  *schemamap.TypeDescriptor
	alias string
	// links are parent-side columns later prefetches match children on.
	links      plan.ColumnSet
	joins      []joinedNode
	prefetches []pendingPrefetch

	seen    map[string]struct{}
	records []*rowcache.Record
}

type joinedNode struct {
	relation *schemamap.FieldDescriptor
	node     *node
}

type pendingPrefetch struct {
	path     string
	prefetch *plan.Prefetch
	relation *schemamap.FieldDescriptor
}

func (n *node) addRecord(rec *rowcache.Record) {
	if _, ok := n.seen[rec.Key()]; ok {
		return
	}
	n.seen[rec.Key()] = struct{}{}
	n.records = append(n.records, rec)
}

// scanField maps one result column back to the node and column it was read for.
// Partition columns of a prefetch have a nil node.
type scanField struct {
	node   *node
	column string
	alias  string
}

// query collects the SELECT list and LEFT JOINs of one statement while a
// plan is applied to it.
type query struct {
	registry *schemamap.Registry
	root     *node
	next     int
	columns  []string
	joins    []string
	fields   []scanField
}

func newQuery(registry *schemamap.Registry, p *plan.LoadPlan) (*query, error) {
	q := &query{registry: registry}
	root, err := q.newNode(p)
	if err != nil {
		return nil, err
	}
	q.root = root
	if err := planexec.Apply(p, &selectAdapter{q: q, node: root}); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *query) newNode(p *plan.LoadPlan) (*node, error) {
	desc, ok := q.registry.Lookup(p.Type)
	if !ok {
		return nil, fmt.Errorf("unknown type %s", p.Type)
	}
	n := &node{
		plan:  p,
		desc:  desc,
		alias: fmt.Sprintf("t%d", q.next),
		links: plan.NewColumnSet(),
		seen:  make(map[string]struct{}),
	}
	q.next++
	for _, pf := range p.Prefetches {
		fd, err := q.registry.LookupField(p.Type, pf.Relation)
		if err != nil {
			return nil, err
		}
		n.links.Add(fd.LocalColumns...)
	}
	return n, nil
}

func (q *query) selectColumn(n *node, column string) {
	alias := n.alias + "__" + column
	q.columns = append(q.columns, fmt.Sprintf("%s AS %s", sqlutil.QualifiedColumn(n.alias, column), sqlutil.ColumnAlias(n.alias, column)))
	q.fields = append(q.fields, scanField{node: n, column: column, alias: sqlutil.QuoteIdentifier(alias)})
}

// nodes returns every node of the statement, root first.
func (q *query) nodes() []*node {
	var out []*node
	var walk func(n *node)
	walk = func(n *node) {
		out = append(out, n)
		for _, j := range n.joins {
			walk(j.node)
		}
	}
	walk(q.root)
	return out
}

// selectAdapter applies one plan node to a query.
type selectAdapter struct {
	q    *query
	node *node
}

func (a *selectAdapter) Project(columns []string) error {
	cols := plan.NewColumnSet(columns...)
	cols.Union(a.node.links)
	for _, col := range cols.Sorted() {
		a.q.selectColumn(a.node, col)
	}
	return nil
}

func (a *selectAdapter) Join(relation string, child *plan.LoadPlan) error {
	fd, err := a.q.registry.LookupField(a.node.desc.Name, relation)
	if err != nil {
		return err
	}
	if fd.Kind != schemamap.KindToOne {
		return fmt.Errorf("%s.%s is not a to-one relation", a.node.desc.Name, relation)
	}
	childNode, err := a.q.newNode(child)
	if err != nil {
		return err
	}
	on, err := joinCondition(childNode.alias, fd.RemoteColumns, a.node.alias, fd.LocalColumns)
	if err != nil {
		return err
	}
	a.q.joins = append(a.q.joins, fmt.Sprintf("%s AS %s ON %s", sqlutil.QuoteIdentifier(childNode.desc.Table), childNode.alias, on))
	a.node.joins = append(a.node.joins, joinedNode{relation: fd, node: childNode})
	return planexec.Apply(child, &selectAdapter{q: a.q, node: childNode})
}

func (a *selectAdapter) Prefetch(path string, prefetch *plan.Prefetch) error {
	fd, err := a.q.registry.LookupField(a.node.desc.Name, prefetch.Relation)
	if err != nil {
		return err
	}
	a.node.prefetches = append(a.node.prefetches, pendingPrefetch{path: path, prefetch: prefetch, relation: fd})
	return nil
}

func joinCondition(leftAlias string, leftColumns []string, rightAlias string, rightColumns []string) (string, error) {
	if len(leftColumns) == 0 || len(leftColumns) != len(rightColumns) {
		return "", fmt.Errorf("join key width mismatch: %d vs %d", len(leftColumns), len(rightColumns))
	}
	predicates := make([]string, len(leftColumns))
	for i := range leftColumns {
		predicates[i] = fmt.Sprintf("%s = %s", sqlutil.QualifiedColumn(leftAlias, leftColumns[i]), sqlutil.QualifiedColumn(rightAlias, rightColumns[i]))
	}
	return strings.Join(predicates, " AND "), nil
}

func (q *query) selectBuilder() sq.SelectBuilder {
	sb := sq.Select(q.columns...).
		From(fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(q.root.desc.Table), q.root.alias))
	for _, join := range q.joins {
		sb = sb.LeftJoin(join)
	}
	return sb.PlaceholderFormat(sq.Question)
}

func (q *query) identityOrder() []string {
	order := make([]string, len(q.root.desc.IdentityKey))
	for i, col := range q.root.desc.IdentityKey {
		order[i] = sqlutil.QualifiedColumn(q.root.alias, col)
	}
	return order
}

// RootQuery restricts and windows the root rows of a load.
type RootQuery struct {
	// Where maps column names of the root type to required values. A slice
	// value matches any of its elements.
	Where map[string]any
	Slice *plan.SliceSpec
}

func (q *query) rootSQL(rq RootQuery) (string, []any, error) {
	sb := q.selectBuilder()
	if len(rq.Where) > 0 {
		eq := sq.Eq{}
		for col, v := range rq.Where {
			if !q.root.desc.HasColumn(col) {
				return "", nil, fmt.Errorf("%s has no column %q", q.root.desc.Name, col)
			}
			eq[sqlutil.QualifiedColumn(q.root.alias, col)] = v
		}
		sb = sb.Where(eq)
	}
	sb = sb.OrderBy(q.identityOrder()...)
	if rq.Slice != nil {
		if rq.Slice.Limit != nil {
			sb = sb.Limit(uint64(*rq.Slice.Limit))
		} else if rq.Slice.Offset > 0 {
			// MySQL has no OFFSET without LIMIT.
			sb = sb.Limit(maxRows)
		}
		if rq.Slice.Offset > 0 {
			sb = sb.Offset(uint64(rq.Slice.Offset))
		}
	}
	return sb.ToSql()
}

const maxRows = uint64(18446744073709551615)

// prefetchSQL selects the children of one batch of parent tuples. Children
// are matched to parents through the partition columns, selected as
// `__p0`, `__p1`, ... after the node columns.
func (q *query) prefetchSQL(fd *schemamap.FieldDescriptor, tuples [][]any, slice *plan.SliceSpec) (string, []any, error) {
	var partition []string
	sb := sq.Select().PlaceholderFormat(sq.Question).
		From(fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(q.root.desc.Table), q.root.alias))

	if fd.Through != nil {
		on, err := joinCondition(junctionAlias, fd.Through.RemoteColumns, q.root.alias, fd.RemoteColumns)
		if err != nil {
			return "", nil, err
		}
		sb = sb.InnerJoin(fmt.Sprintf("%s AS %s ON %s", sqlutil.QuoteIdentifier(fd.Through.Table), junctionAlias, on))
		for _, col := range fd.Through.LocalColumns {
			partition = append(partition, sqlutil.QualifiedColumn(junctionAlias, col))
		}
	} else {
		for _, col := range fd.RemoteColumns {
			partition = append(partition, sqlutil.QualifiedColumn(q.root.alias, col))
		}
	}
	for _, join := range q.joins {
		sb = sb.LeftJoin(join)
	}

	columns := append([]string(nil), q.columns...)
	outer := make([]string, 0, len(q.fields)+len(partition))
	for _, f := range q.fields {
		outer = append(outer, f.alias)
	}
	partitionAliases := make([]string, len(partition))
	for i, expr := range partition {
		partitionAliases[i] = sqlutil.QuoteIdentifier(fmt.Sprintf("__p%d", i))
		columns = append(columns, fmt.Sprintf("%s AS %s", expr, partitionAliases[i]))
	}
	outer = append(outer, partitionAliases...)
	sb = sb.Columns(columns...)

	cond, args, err := tupleInCondition(partition, tuples)
	if err != nil {
		return "", nil, err
	}
	sb = sb.Where(sq.Expr(cond, args...))

	if slice == nil {
		return sb.OrderBy(append(append([]string(nil), partition...), q.identityOrder()...)...).ToSql()
	}

	sb = sb.Column(fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
		strings.Join(partition, ", "), strings.Join(q.identityOrder(), ", "), rowNumberAlias))
	inner, innerArgs, err := sb.ToSql()
	if err != nil {
		return "", nil, err
	}
	window := rowNumberAlias + " > ?"
	windowArgs := []any{slice.Offset}
	if slice.Limit != nil {
		window += " AND " + rowNumberAlias + " <= ?"
		windowArgs = append(windowArgs, slice.Offset+*slice.Limit)
	}
	stmt := fmt.Sprintf("SELECT %s FROM (%s) AS __batch WHERE %s ORDER BY %s, %s",
		strings.Join(outer, ", "), inner, window, strings.Join(partitionAliases, ", "), rowNumberAlias)
	return stmt, append(innerArgs, windowArgs...), nil
}

// tupleInCondition renders `col IN (?, ...)` or `(a, b) IN ((?, ?), ...)`.
func tupleInCondition(columns []string, tuples [][]any) (string, []any, error) {
	width := len(columns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}
	if len(tuples) == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one value")
	}
	args := make([]any, 0, len(tuples)*width)
	if width == 1 {
		for _, tuple := range tuples {
			if len(tuple) != 1 {
				return "", nil, fmt.Errorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple[0])
		}
		return fmt.Sprintf("%s IN (%s)", columns[0], sq.Placeholders(len(tuples))), args, nil
	}
	rows := make([]string, 0, len(tuples))
	placeholders := "(" + sq.Placeholders(width) + ")"
	for _, tuple := range tuples {
		if len(tuple) != width {
			return "", nil, fmt.Errorf("tuple width mismatch: expected %d values", width)
		}
		rows = append(rows, placeholders)
		args = append(args, tuple...)
	}
	return fmt.Sprintf("(%s) IN (%s)", strings.Join(columns, ", "), strings.Join(rows, ", ")), args, nil
}

// parentTuples collects the distinct non-NULL values of columns across
// records, in record order.
func parentTuples(records []*rowcache.Record, columns []string) [][]any {
	seen := make(map[string]struct{})
	var out [][]any
	for _, rec := range records {
		tuple, key, ok := recordTuple(rec, columns)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tuple)
	}
	return out
}

func recordTuple(rec *rowcache.Record, columns []string) ([]any, string, bool) {
	tuple := make([]any, len(columns))
	parts := make([]string, len(columns))
	for i, col := range columns {
		v, ok := rec.Value(col)
		if !ok || v == nil {
			return nil, "", false
		}
		tuple[i] = v
		parts[i] = fmt.Sprint(v)
	}
	return tuple, strings.Join(parts, "|"), true
}

func chunkTuples(tuples [][]any, size int) [][][]any {
	if size <= 0 || len(tuples) <= size {
		return [][][]any{tuples}
	}
	var chunks [][][]any
	for start := 0; start < len(tuples); start += size {
		end := start + size
		if end > len(tuples) {
			end = len(tuples)
		}
		chunks = append(chunks, tuples[start:end])
	}
	return chunks
}

func sortedPrefetches(n *node) []pendingPrefetch {
	out := append([]pendingPrefetch(nil), n.prefetches...)
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}
