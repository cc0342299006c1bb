// Package resolver exposes a schema mapping as a graphql-go schema. Root
// fields plan their whole selection once with the optimizer and load it
// through the SQL store; nested fields then read the identity cache and only
// fall back to per-record fetches for data the plan did not cover.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/graphql-go/graphql"
	"go.opentelemetry.io/otel/attribute"

	"loadplan/internal/bridge"
	"loadplan/internal/hints"
	"loadplan/internal/logging"
	"loadplan/internal/naming"
	"loadplan/internal/observability"
	"loadplan/internal/optimizer"
	"loadplan/internal/plan"
	"loadplan/internal/rowcache"
	"loadplan/internal/scalars"
	"loadplan/internal/schemamap"
	"loadplan/internal/selection"
	"loadplan/internal/sqlstore"
)

// DefaultListLimit caps root list fields queried without a limit argument.
const DefaultListLimit = 100

// Config wires a Resolver to its collaborators.
type Config struct {
	Registry *schemamap.Registry
	// Hints may be nil.
	Hints  *hints.Store
	Store  *sqlstore.Store
	Bridge *bridge.Bridge
	Namer  *naming.Namer
	// Metrics may be nil.
	Metrics *observability.PlannerMetrics
	Limits  optimizer.Limits
	// DisableOptimizer loads every root with its columns only and serves
	// relations through per-record fetches.
	DisableOptimizer bool
	DefaultListLimit int
	// Slice extracts to-many windows from field arguments. Defaults to
	// selection.DefaultSlice.
	Slice selection.SliceFunc
}

// Resolver builds the GraphQL schema and resolves its fields.
type Resolver struct {
	registry     *schemamap.Registry
	hints        *hints.Store
	normalizer   *selection.Normalizer
	builder      *optimizer.Builder
	store        *sqlstore.Store
	bridge       *bridge.Bridge
	namer        *naming.Namer
	metrics      *observability.PlannerMetrics
	slice        selection.SliceFunc
	optimize     bool
	defaultLimit int

	typeCache      map[string]*graphql.Object
	interfaceCache map[string]*graphql.Interface
	templates      map[string]*template.Template
	nonNegativeInt *graphql.Scalar
	jsonType       *graphql.Scalar
	mu             sync.RWMutex
}

// NewResolver creates a resolver over a frozen registry.
func NewResolver(cfg Config) *Resolver {
	slice := cfg.Slice
	if slice == nil {
		slice = selection.DefaultSlice
	}
	namer := cfg.Namer
	if namer == nil {
		namer = naming.Default()
	}
	defaultLimit := cfg.DefaultListLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultListLimit
	}
	builderOpts := []optimizer.Option{optimizer.WithLimits(cfg.Limits)}
	if cfg.Hints != nil {
		builderOpts = append(builderOpts, optimizer.WithHints(cfg.Hints))
	}
	return &Resolver{
		registry:       cfg.Registry,
		hints:          cfg.Hints,
		normalizer:     selection.New(cfg.Registry, selection.WithSliceFunc(slice)),
		builder:        optimizer.NewBuilder(cfg.Registry, builderOpts...),
		store:          cfg.Store,
		bridge:         cfg.Bridge,
		namer:          namer,
		metrics:        cfg.Metrics,
		slice:          slice,
		optimize:       !cfg.DisableOptimizer,
		defaultLimit:   defaultLimit,
		typeCache:      make(map[string]*graphql.Object),
		interfaceCache: make(map[string]*graphql.Interface),
		templates:      make(map[string]*template.Template),
	}
}

// BuildGraphQLSchema generates the query schema for every mapped type and
// interface.
func (r *Resolver) BuildGraphQLSchema() (graphql.Schema, error) {
	if err := r.compileTemplates(); err != nil {
		return graphql.Schema{}, err
	}

	queryFields := graphql.Fields{}
	var types []graphql.Type
	for _, td := range r.registry.Types() {
		obj := r.objectType(td)
		types = append(types, obj)
		r.addTypeQueries(queryFields, td, obj)
	}
	for _, name := range r.registry.Interfaces() {
		r.addInterfaceQuery(queryFields, name)
	}

	// If nothing is mapped, add a placeholder query to satisfy GraphQL requirements
	if len(queryFields) == 0 {
		queryFields["_schema"] = &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return "No types mapped", nil
			},
			Description: "Placeholder field when the registry is empty",
		}
	}

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queryFields}),
		Types: types,
	})
}

// compileTemplates parses the template of every computed field up front so
// a broken template fails schema construction rather than a request.
func (r *Resolver) compileTemplates() error {
	for _, td := range r.registry.Types() {
		for _, fd := range td.Fields() {
			if fd.Kind != schemamap.KindComputed {
				continue
			}
			tmpl, err := template.New(td.Name + "." + fd.Name).Option("missingkey=zero").Parse(fd.Template)
			if err != nil {
				return fmt.Errorf("computed field %s.%s: %w", td.Name, fd.Name, err)
			}
			r.mu.Lock()
			r.templates[td.Name+"."+fd.Name] = tmpl
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *Resolver) template(typeName, field string) (*template.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[typeName+"."+field]
	return tmpl, ok
}

// planRoot builds the load plan for a root field resolving to typeName.
func (r *Resolver) planRoot(ctx context.Context, p graphql.ResolveParams, typeName string) (*plan.LoadPlan, error) {
	if !r.optimize {
		return r.builder.Unoptimized(typeName)
	}
	node, err := r.normalizer.Normalize(selection.InputFromResolveInfo(p.Info, typeName))
	if err != nil {
		return nil, err
	}
	return r.buildPlan(ctx, typeName, node)
}

func (r *Resolver) buildPlan(ctx context.Context, typeName string, node *selection.Node) (*plan.LoadPlan, error) {
	ctx, span := startSpan(ctx, "optimizer.build", typeName)
	start := time.Now()
	lp, err := r.builder.Build(node)
	defer func() { span.end(err) }()
	r.metrics.RecordBuild(ctx, typeName, time.Since(start), lp)
	if err != nil {
		return nil, err
	}

	stats := lp.Stats()
	span.SetAttributes(
		attribute.Int("plan.nodes", stats.Nodes),
		attribute.Int("plan.joins", stats.Joins),
		attribute.Int("plan.prefetches", stats.Prefetches),
	)
	logger := logging.FromContext(ctx)
	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("load plan built",
			"type", typeName,
			"joins", stats.Joins,
			"prefetches", stats.Prefetches,
			"plan", lp.String(),
		)
	}
	return lp, nil
}

// cache returns the request's identity cache. Requests that bypass the HTTP
// middleware get a cache scoped to the root field.
func (r *Resolver) cache(ctx context.Context) (context.Context, *rowcache.Cache) {
	return rowcache.Ensure(ctx)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var errAccessDenied = errors.New("access denied")

// MySQL error codes for access control violations.
// See: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	mysqlErrDBAccessDenied     = 1044 // Access denied for user to database
	mysqlErrTableAccessDenied  = 1142 // SELECT command denied to user for table
	mysqlErrColumnAccessDenied = 1143 // SELECT command denied to user for column
)

func normalizeQueryError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
			return errAccessDenied
		}
	}
	return err
}

func (r *Resolver) nonNegativeIntScalar() *graphql.Scalar {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nonNegativeInt == nil {
		r.nonNegativeInt = scalars.NonNegativeInt()
	}
	return r.nonNegativeInt
}

func (r *Resolver) jsonScalar() *graphql.Scalar {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jsonType == nil {
		r.jsonType = scalars.JSON()
	}
	return r.jsonType
}
