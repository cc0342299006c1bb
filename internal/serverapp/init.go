package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"loadplan/internal/observability"
	"loadplan/internal/schemarefresh"
)

// telemetry is what the telemetry phase of Init hands to the later phases.
// Every field is nil when its signal is disabled.
type telemetry struct {
	meters  *observability.MeterProvider
	graphql *observability.GraphQLMetrics
	planner *observability.PlannerMetrics
}

// Init acquires every runtime resource in three phases: telemetry, data
// (hints, database, schema manager) and HTTP. When a phase fails the
// resources already acquired are released in reverse. Init is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	done := a.initialized
	a.stateMu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var stack cleanupStack
	committed := false
	defer func() {
		if !committed {
			_ = stack.run(context.Background(), a.logger)
		}
	}()

	tel, err := a.initTelemetry(&stack)
	if err != nil {
		return err
	}
	db, manager, err := a.initData(ctx, &stack, tel.planner)
	if err != nil {
		return err
	}
	srv := a.initHTTP(&stack, db, manager, tel)

	a.stateMu.Lock()
	a.manager = manager
	a.srv = srv
	a.cleanup = stack
	a.initialized = true
	a.stateMu.Unlock()

	committed = true
	return nil
}

func (a *App) initTelemetry(stack *cleanupStack) (telemetry, error) {
	var tel telemetry
	if a.loggerProvider != nil {
		lp := a.loggerProvider
		stack.push("logger provider", func(ctx context.Context) error {
			return lp.Shutdown(ctx, a.logger.Logger)
		})
	}

	mp, graphqlMetrics, plannerMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return tel, fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if mp != nil {
		stack.push("meter provider", func(ctx context.Context) error {
			return mp.Shutdown(ctx, a.logger.Logger)
		})
	}
	tel = telemetry{meters: mp, graphql: graphqlMetrics, planner: plannerMetrics}

	tp, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return tel, fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tp != nil {
		stack.push("tracer provider", func(ctx context.Context) error {
			return tp.Shutdown(ctx, a.logger.Logger)
		})
	}
	return tel, nil
}

func (a *App) initData(ctx context.Context, stack *cleanupStack, planner *observability.PlannerMetrics) (*sql.DB, *schemarefresh.Manager, error) {
	hintsFile, err := loadHints(a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load hints: %w", err)
	}

	a.logger.Info("connecting to database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.Bool("dsn_present", a.dsnPresent),
	)
	db, statsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	stack.push("database", func(context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})
	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase, a.dsnPresent); err != nil {
		return nil, nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	build, err := buildSchemaConfig(a.cfg, a.logger, db, a.effectiveDatabase, hintsFile, planner)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid optimizer configuration: %w", err)
	}
	manager, cancel, err := startSchemaManager(ctx, a.cfg, a.logger, build, planner)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	stack.push("schema manager", func(ctx context.Context) error {
		cancel()
		return manager.Wait(ctx)
	})
	return db, manager, nil
}

func (a *App) initHTTP(stack *cleanupStack, db *sql.DB, manager *schemarefresh.Manager, tel telemetry) *http.Server {
	graphqlHandler := buildGraphQLHandler(a.cfg, a.logger, manager, tel.graphql)
	adminHandler := buildAdminHandler(a.cfg, a.logger, manager)
	mux := buildRouter(a.cfg, a.logger, db, graphqlHandler, adminHandler, tel.meters)

	srv := buildServer(a.cfg, wrapHTTPHandler(a.cfg, a.logger, mux))
	stack.push("HTTP server", srv.Shutdown)
	return srv
}
