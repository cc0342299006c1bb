// Package plan defines the load plan produced by the optimizer: a column
// projection, eagerly joined to-one relations and separately fetched to-many
// relations, each carrying its own nested plan.
// It also holds the error taxonomy shared by the normalizer, the builder and
// the store adapters.
package plan

import (
	"fmt"
	"sort"
	"strings"
)

// PathSeparator joins relation names into a relation path (e.g. "albums.songs").
const PathSeparator = "."

// ChildPath returns the relation path of relation under base.
func ChildPath(base, relation string) string {
	if base == "" {
		return relation
	}
	return base + PathSeparator + relation
}

// SplitPath splits a dotted relation path into its relation names.
func SplitPath(path string) []string {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}

// ColumnSet is an unordered set of column names.
type ColumnSet map[string]struct{}

// NewColumnSet builds a set from the given columns.
func NewColumnSet(columns ...string) ColumnSet {
	s := make(ColumnSet, len(columns))
	s.Add(columns...)
	return s
}

// Add inserts columns into the set, ignoring empty names.
func (s ColumnSet) Add(columns ...string) {
	for _, col := range columns {
		if col == "" {
			continue
		}
		s[col] = struct{}{}
	}
}

// Has reports whether the column is in the set.
func (s ColumnSet) Has(column string) bool {
	_, ok := s[column]
	return ok
}

// Union adds every column of other to s.
func (s ColumnSet) Union(other ColumnSet) {
	for col := range other {
		s[col] = struct{}{}
	}
}

// ContainsAll reports whether s is a superset of other.
func (s ColumnSet) ContainsAll(other ColumnSet) bool {
	for col := range other {
		if _, ok := s[col]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the columns in lexical order.
func (s ColumnSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for col := range s {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s ColumnSet) Clone() ColumnSet {
	out := make(ColumnSet, len(s))
	out.Union(s)
	return out
}

// SliceSpec is the opaque window a pagination collaborator asked for on a
// to-many load. A nil Limit means unbounded.
type SliceSpec struct {
	Offset int
	Limit  *int
}

// NewSliceSpec returns a window starting at offset. A negative limit means unbounded.
func NewSliceSpec(offset, limit int) *SliceSpec {
	spec := &SliceSpec{Offset: offset}
	if limit >= 0 {
		l := limit
		spec.Limit = &l
	}
	return spec
}

// Equal compares two specs; two nil specs are equal.
func (s *SliceSpec) Equal(other *SliceSpec) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.Offset != other.Offset {
		return false
	}
	if s.Limit == nil || other.Limit == nil {
		return s.Limit == nil && other.Limit == nil
	}
	return *s.Limit == *other.Limit
}

// Clone returns an independent copy; nil stays nil.
func (s *SliceSpec) Clone() *SliceSpec {
	if s == nil {
		return nil
	}
	out := &SliceSpec{Offset: s.Offset}
	if s.Limit != nil {
		limit := *s.Limit
		out.Limit = &limit
	}
	return out
}

func (s *SliceSpec) String() string {
	if s == nil {
		return "[:]"
	}
	if s.Limit == nil {
		return fmt.Sprintf("[%d:]", s.Offset)
	}
	return fmt.Sprintf("[%d:%d]", s.Offset, s.Offset+*s.Limit)
}

// Prefetch is a separately fetched relation collection.
type Prefetch struct {
	// Relation is the relation field name on the parent type.
	Relation string
	Plan     *LoadPlan
	Slice    *SliceSpec
}

// Clone deep-copies the prefetch including its nested plan.
func (pf *Prefetch) Clone() *Prefetch {
	if pf == nil {
		return nil
	}
	return &Prefetch{Relation: pf.Relation, Plan: pf.Plan.Clone(), Slice: pf.Slice.Clone()}
}

// LoadPlan describes what to load for one type instance position in a query.
type LoadPlan struct {
	Type string
	// Path is the relation path from the query root; empty for the root.
	Path       string
	Projection ColumnSet
	// Joins is keyed by to-one relation name.
	Joins map[string]*LoadPlan
	// Prefetches is keyed by the full relation path from the query root.
	Prefetches map[string]*Prefetch
}

// New returns an empty plan for typeName whose projection holds the identity key.
func New(typeName, path string, identityKey []string) *LoadPlan {
	return &LoadPlan{
		Type:       typeName,
		Path:       path,
		Projection: NewColumnSet(identityKey...),
		Joins:      make(map[string]*LoadPlan),
		Prefetches: make(map[string]*Prefetch),
	}
}

// JoinNames returns the join relation names in lexical order.
func (p *LoadPlan) JoinNames() []string {
	names := make([]string, 0, len(p.Joins))
	for name := range p.Joins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrefetchPaths returns the prefetch keys in lexical order.
func (p *LoadPlan) PrefetchPaths() []string {
	paths := make([]string, 0, len(p.Prefetches))
	for path := range p.Prefetches {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Clone deep-copies the plan.
func (p *LoadPlan) Clone() *LoadPlan {
	if p == nil {
		return nil
	}
	out := &LoadPlan{
		Type:       p.Type,
		Path:       p.Path,
		Projection: p.Projection.Clone(),
		Joins:      make(map[string]*LoadPlan, len(p.Joins)),
		Prefetches: make(map[string]*Prefetch, len(p.Prefetches)),
	}
	for name, child := range p.Joins {
		out.Joins[name] = child.Clone()
	}
	for path, pf := range p.Prefetches {
		out.Prefetches[path] = pf.Clone()
	}
	return out
}

// Walk visits the plan depth-first: the node itself, then joins, then
// prefetches, both in sorted order.
func (p *LoadPlan) Walk(fn func(node *LoadPlan, depth int) error) error {
	return p.walk(fn, 0)
}

func (p *LoadPlan) walk(fn func(node *LoadPlan, depth int) error, depth int) error {
	if p == nil {
		return nil
	}
	if err := fn(p, depth); err != nil {
		return err
	}
	for _, name := range p.JoinNames() {
		if err := p.Joins[name].walk(fn, depth+1); err != nil {
			return err
		}
	}
	for _, path := range p.PrefetchPaths() {
		if err := p.Prefetches[path].Plan.walk(fn, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the shape of a plan.
type Stats struct {
	Nodes      int
	Joins      int
	Prefetches int
	Depth      int
}

// Stats counts nodes, joins and prefetches and the maximum nesting depth.
func (p *LoadPlan) Stats() Stats {
	var stats Stats
	var visit func(node *LoadPlan, depth int)
	visit = func(node *LoadPlan, depth int) {
		stats.Nodes++
		if depth > stats.Depth {
			stats.Depth = depth
		}
		for _, child := range node.Joins {
			stats.Joins++
			visit(child, depth+1)
		}
		for _, pf := range node.Prefetches {
			stats.Prefetches++
			visit(pf.Plan, depth+1)
		}
	}
	if p != nil {
		visit(p, 0)
	}
	return stats
}

// String renders the plan as an indented tree with sorted keys, suitable for
// logging and golden comparisons.
func (p *LoadPlan) String() string {
	var b strings.Builder
	p.describe(&b, "", "")
	return strings.TrimRight(b.String(), "\n")
}

func (p *LoadPlan) describe(b *strings.Builder, indent, label string) {
	if p == nil {
		return
	}
	fmt.Fprintf(b, "%s%s%s {%s}\n", indent, label, p.Type, strings.Join(p.Projection.Sorted(), ", "))
	for _, name := range p.JoinNames() {
		p.Joins[name].describe(b, indent+"  ", "join "+name+": ")
	}
	for _, path := range p.PrefetchPaths() {
		pf := p.Prefetches[path]
		label := "prefetch " + path
		if pf.Slice != nil {
			label += pf.Slice.String()
		}
		pf.Plan.describe(b, indent+"  ", label+": ")
	}
}

// Equal reports structural equality of two plans.
func Equal(a, b *LoadPlan) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type != b.Type || a.Path != b.Path {
		return false
	}
	if len(a.Projection) != len(b.Projection) || !a.Projection.ContainsAll(b.Projection) {
		return false
	}
	if len(a.Joins) != len(b.Joins) || len(a.Prefetches) != len(b.Prefetches) {
		return false
	}
	for name, child := range a.Joins {
		if !Equal(child, b.Joins[name]) {
			return false
		}
	}
	for path, pf := range a.Prefetches {
		other, ok := b.Prefetches[path]
		if !ok || pf.Relation != other.Relation || !pf.Slice.Equal(other.Slice) {
			return false
		}
		if !Equal(pf.Plan, other.Plan) {
			return false
		}
	}
	return true
}
