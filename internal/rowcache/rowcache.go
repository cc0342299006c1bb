// Package rowcache holds the records materialized while serving one request.
//
// The cache keeps a single Record per (type, identity key); every branch of a
// query that reaches the same row shares that instance.
package rowcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"loadplan/internal/plan"
)

// Record is one materialized row. Column values and resolved relations are
// guarded by the record's own lock because graphql-go resolvers and the
// store's prefetch levels touch records concurrently.
type Record struct {
	Type string
	key  string

	mu        sync.RWMutex
	values    map[string]any
	relations map[string]any
}

// NewRecord returns a detached record. Most callers obtain records through
// Cache.Materialize instead.
func NewRecord(typeName, key string, values map[string]any) *Record {
	r := &Record{Type: typeName, key: key, values: make(map[string]any, len(values)), relations: make(map[string]any)}
	for col, v := range values {
		r.values[col] = v
	}
	return r
}

// Key returns the identity key string, unique within the record's type.
func (r *Record) Key() string { return r.key }

// Value returns the loaded value of column.
func (r *Record) Value(column string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[column]
	return v, ok
}

// Values returns a copy of every loaded column.
func (r *Record) Values() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.values))
	for col, v := range r.values {
		out[col] = v
	}
	return out
}

// Missing returns the columns of want that are not loaded, sorted.
func (r *Record) Missing(want []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, col := range want {
		if _, ok := r.values[col]; !ok {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

// Fill adds columns the record has not loaded yet. Loaded columns are never
// overwritten.
func (r *Record) Fill(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for col, v := range values {
		if _, ok := r.values[col]; !ok {
			r.values[col] = v
		}
	}
}

// Relation returns a resolved relation: a *Record (nil when the to-one
// target does not exist) or a []*Record.
func (r *Record) Relation(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.relations[name]
	return v, ok
}

// SetRelation stores the resolved value of relation name. A nil *Record is
// stored as an untyped nil.
func (r *Record) SetRelation(name string, value any) {
	if rec, ok := value.(*Record); ok && rec == nil {
		value = nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relations[name] = value
}

// AppendRelated adds child to the to-many relation name, creating an empty
// collection first if needed.
func (r *Record) AppendRelated(name string, child *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, _ := r.relations[name].([]*Record)
	if child != nil {
		list = append(list, child)
	} else if list == nil {
		list = []*Record{}
	}
	r.relations[name] = list
}

func (r *Record) String() string {
	return r.Type + ":" + r.key
}

// RelationKey names the slot a relation is stored under on a record. Loads
// of one relation with different windows are kept apart.
func RelationKey(relation string, slice *plan.SliceSpec) string {
	if slice == nil {
		return relation
	}
	return relation + slice.String()
}

// IdentityKey renders the identity of a row from its key columns. It reports
// false when any key column is missing or NULL.
func IdentityKey(keyColumns []string, values map[string]any) (string, bool) {
	parts := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		v, ok := values[col]
		if !ok || v == nil {
			return "", false
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "|"), len(parts) > 0
}

// Stats counts identity lookups that found an existing record.
type Stats struct {
	Records int
	Hits    int64
	Misses  int64
}

type recordKey struct {
	typeName string
	key      string
}

// Cache is the per-request identity cache.
type Cache struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	hits    atomic.Int64
	misses  atomic.Int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{records: make(map[recordKey]*Record)}
}

// Materialize returns the record for (typeName, key). The first call creates
// it from values; later calls return that same instance and only fill in
// columns it lacks.
func (c *Cache) Materialize(typeName, key string, values map[string]any) *Record {
	k := recordKey{typeName: typeName, key: key}
	c.mu.Lock()
	existing, ok := c.records[k]
	if !ok {
		rec := NewRecord(typeName, key, values)
		c.records[k] = rec
		c.mu.Unlock()
		c.misses.Add(1)
		return rec
	}
	c.mu.Unlock()
	c.hits.Add(1)
	existing.Fill(values)
	return existing
}

// Get returns the cached record for (typeName, key).
func (c *Cache) Get(typeName, key string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[recordKey{typeName: typeName, key: key}]
	return rec, ok
}

// Stats reports the cache size and how often an identity was reused.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.records)
	c.mu.Unlock()
	return Stats{Records: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

type cacheKey struct{}

// WithCache returns a context carrying c.
func WithCache(ctx context.Context, c *Cache) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, cacheKey{}, c)
}

// FromContext returns the request's cache, if one was injected.
func FromContext(ctx context.Context) (*Cache, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(cacheKey{}).(*Cache)
	return c, ok && c != nil
}

// Ensure returns the cache carried by ctx, attaching a new one when absent.
func Ensure(ctx context.Context) (context.Context, *Cache) {
	if c, ok := FromContext(ctx); ok {
		return ctx, c
	}
	c := New()
	return WithCache(ctx, c), c
}
