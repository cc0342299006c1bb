package schemarefresh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/graphql-go/graphql"

	"loadplan/internal/bridge"
	"loadplan/internal/dbexec"
	"loadplan/internal/hints"
	"loadplan/internal/introspection"
	"loadplan/internal/naming"
	"loadplan/internal/observability"
	"loadplan/internal/optimizer"
	"loadplan/internal/resolver"
	"loadplan/internal/schemafilter"
	"loadplan/internal/schemamap"
	"loadplan/internal/sqlstore"
)

// BuildSchemaConfig defines inputs for shared schema assembly.
type BuildSchemaConfig struct {
	// Introspector reads INFORMATION_SCHEMA. Defaults to Executor.
	Introspector dbexec.QueryExecutor
	// Executor serves the load statements of the built schema.
	Executor     dbexec.QueryExecutor
	DatabaseName string
	Naming       naming.Config
	Filters      schemafilter.Config
	// Hints may be nil.
	Hints *hints.File

	DisableOptimizer    bool
	Limits              optimizer.Limits
	DefaultListLimit    int
	ResolutionMode      bridge.Mode
	FallbackWorkers     int
	PrefetchConcurrency int
	MaxInClause         int

	Metrics *observability.PlannerMetrics
	Logger  *slog.Logger
}

// BuildSchemaResult contains schema artifacts produced by BuildSchema.
type BuildSchemaResult struct {
	DBSchema      *introspection.Schema
	Registry      *schemamap.Registry
	Hints         *hints.Store
	GraphQLSchema graphql.Schema
}

// BuildSchema runs the schema assembly pipeline used by runtime and tests:
// introspect, filter, map, apply hints, freeze, then wire the store, bridge and
// resolver behind a graphql-go schema.
func BuildSchema(ctx context.Context, cfg BuildSchemaConfig) (*BuildSchemaResult, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("schema builder requires a query executor")
	}
	introspector := cfg.Introspector
	if introspector == nil {
		introspector = cfg.Executor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	namer := naming.New(cfg.Naming, logger)
	dbSchema, err := introspection.Introspect(ctx, introspector, cfg.DatabaseName, namer)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect database: %w", err)
	}
	if err := schemafilter.Apply(dbSchema, cfg.Filters, namer); err != nil {
		return nil, fmt.Errorf("failed to apply schema filters: %w", err)
	}

	registry, err := schemamap.FromIntrospection(dbSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to map schema: %w", err)
	}
	store, err := cfg.Hints.Apply(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to apply hints: %w", err)
	}
	if err := registry.Freeze(); err != nil {
		return nil, fmt.Errorf("failed to freeze schema mapping: %w", err)
	}
	if err := store.Freeze(registry); err != nil {
		return nil, fmt.Errorf("failed to freeze hints: %w", err)
	}

	sqlStore := sqlstore.New(cfg.Executor, registry, sqlstore.Options{
		PrefetchConcurrency: cfg.PrefetchConcurrency,
		MaxInClause:         cfg.MaxInClause,
		Logger:              logger,
	})
	fallback := bridge.New(sqlStore, bridge.Options{
		Mode:    cfg.ResolutionMode,
		Workers: cfg.FallbackWorkers,
		Logger:  logger,
		Metrics: cfg.Metrics,
	})

	res := resolver.NewResolver(resolver.Config{
		Registry:         registry,
		Hints:            store,
		Store:            sqlStore,
		Bridge:           fallback,
		Namer:            namer,
		Metrics:          cfg.Metrics,
		Limits:           cfg.Limits,
		DisableOptimizer: cfg.DisableOptimizer,
		DefaultListLimit: cfg.DefaultListLimit,
	})
	graphqlSchema, err := res.BuildGraphQLSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}

	return &BuildSchemaResult{
		DBSchema:      dbSchema,
		Registry:      registry,
		Hints:         store,
		GraphQLSchema: graphqlSchema,
	}, nil
}
