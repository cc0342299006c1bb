// Package schemarefresh builds schema snapshots and refreshes them when the
// database structure changes. A snapshot pairs the frozen schema mapping with
// the GraphQL handler planning against it; requests in flight keep the
// snapshot they started with.
package schemarefresh

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"loadplan/internal/introspection"
	"loadplan/internal/logging"
	"loadplan/internal/observability"
	"loadplan/internal/schemamap"
)

// Snapshot contains an immutable view of the current schema state.
type Snapshot struct {
	Schema      *graphql.Schema
	Handler     http.Handler
	Registry    *schemamap.Registry
	DBSchema    *introspection.Schema
	BuiltAt     time.Time
	Fingerprint string
}

// Config controls schema refresh behavior.
type Config struct {
	// Build carries everything needed to assemble one snapshot. Its
	// Introspector also serves the fingerprint queries.
	Build   BuildSchemaConfig
	Logger  *logging.Logger
	Metrics *observability.PlannerMetrics
	// MinInterval of zero disables polling; snapshots then change only
	// through RefreshNowContext.
	MinInterval time.Duration
	MaxInterval time.Duration
	GraphiQL    bool
}

// Manager maintains and refreshes schema snapshots.
type Manager struct {
	build       BuildSchemaConfig
	logger      *logging.Logger
	metrics     *observability.PlannerMetrics
	minInterval time.Duration
	maxInterval time.Duration
	graphiQL    bool
	active      atomic.Pointer[snapshotState]
	refreshMu   sync.Mutex
	wg          sync.WaitGroup
}

type snapshotState struct {
	Snapshot              *Snapshot
	FingerprintMode       string
	FingerprintComponents map[string]string
}

type fingerprintDetails struct {
	Value      string
	Mode       string
	Components map[string]string
}

type fingerprintComponent struct {
	name  string
	query string
}

const (
	fingerprintModeStructural  = "structural"
	fingerprintModeLightweight = "lightweight"
	fingerprintModeUnknown     = "unknown"
)

// NewManager builds the initial schema snapshot and returns a manager.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Build.Executor == nil {
		return nil, fmt.Errorf("schema refresh manager requires a query executor")
	}
	if cfg.Build.Introspector == nil {
		cfg.Build.Introspector = cfg.Build.Executor
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	if cfg.Build.Logger == nil {
		cfg.Build.Logger = cfg.Logger.Logger
	}

	maxInterval := cfg.MaxInterval
	if maxInterval < cfg.MinInterval {
		maxInterval = cfg.MinInterval
	}

	manager := &Manager{
		build:       cfg.Build,
		logger:      cfg.Logger.WithFields(slog.String("component", "schema_refresh")),
		metrics:     cfg.Metrics,
		minInterval: cfg.MinInterval,
		maxInterval: maxInterval,
		graphiQL:    cfg.GraphiQL,
	}

	start := time.Now()
	fingerprint, err := manager.computeFingerprintDetails(ctx)
	if err != nil {
		manager.logger.Warn("failed to compute schema fingerprint", slog.String("error", err.Error()))
	}
	state, err := manager.buildState(ctx, fingerprint)
	if err != nil {
		manager.recordRefresh(time.Since(start), false, "startup")
		return nil, err
	}
	manager.active.Store(state)
	manager.recordRefresh(time.Since(start), true, "startup")

	return manager, nil
}

// Start begins the background refresh loop.
func (m *Manager) Start(ctx context.Context) {
	if m.minInterval <= 0 {
		m.logger.Info("schema refresh disabled")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshLoop(ctx)
	}()
}

// Handler returns an HTTP handler that serves every request with the
// snapshot active when the request arrives.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := m.CurrentSnapshot()
		if snapshot == nil || snapshot.Handler == nil {
			http.Error(w, "schema not ready", http.StatusServiceUnavailable)
			return
		}
		snapshot.Handler.ServeHTTP(w, r)
	})
}

// CurrentSnapshot returns the active schema snapshot.
func (m *Manager) CurrentSnapshot() *Snapshot {
	state := m.active.Load()
	if state == nil {
		return nil
	}
	return state.Snapshot
}

// RefreshNowContext forces a schema rebuild and swap.
func (m *Manager) RefreshNowContext(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := time.Now()
	fingerprint, err := m.computeFingerprintDetails(ctx)
	if err != nil {
		m.recordRefresh(time.Since(start), false, "manual")
		return err
	}

	state, err := m.buildState(ctx, fingerprint)
	if err != nil {
		m.recordRefresh(time.Since(start), false, "manual")
		return err
	}

	m.active.Store(state)
	m.recordRefresh(time.Since(start), true, "manual")
	return nil
}

// Wait blocks until the refresh loop exits or the context is canceled.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	interval := m.minInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("schema refresh stopped")
			return
		case <-timer.C:
			m.refreshOnce(ctx, &interval)
			timer.Reset(interval)
		}
	}
}

func (m *Manager) refreshOnce(ctx context.Context, interval *time.Duration) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := time.Now()
	fingerprint, err := m.computeFingerprintDetails(ctx)
	if err != nil {
		m.logger.Warn("schema fingerprint check failed", slog.String("error", err.Error()))
		m.recordRefresh(time.Since(start), false, "poll")
		*interval = m.minInterval
		return
	}

	current := m.active.Load()
	if current != nil && current.Snapshot != nil && fingerprint.Value == current.Snapshot.Fingerprint {
		m.recordRefresh(time.Since(start), true, "poll_no_change")
		*interval = nextInterval(*interval, m.minInterval, m.maxInterval)
		return
	}

	var previous map[string]string
	if current != nil {
		previous = current.FingerprintComponents
	}
	m.logger.Info("schema change detected, rebuilding",
		slog.String("fingerprint", fingerprint.Value),
		slog.String("fingerprint_mode", fingerprint.Mode),
		slog.Any("changed_components", changedFingerprintComponents(previous, fingerprint.Components)),
	)
	state, err := m.buildState(ctx, fingerprint)
	if err != nil {
		m.logger.Error("failed to rebuild schema", slog.String("error", err.Error()))
		m.recordRefresh(time.Since(start), false, "poll")
		*interval = m.minInterval
		return
	}

	m.active.Store(state)
	*interval = m.minInterval
	m.recordRefresh(time.Since(start), true, "poll")
	m.logger.Info("schema refresh complete",
		slog.String("fingerprint", state.Snapshot.Fingerprint),
		slog.String("fingerprint_mode", state.FingerprintMode),
	)
}

func (m *Manager) buildState(ctx context.Context, fingerprint fingerprintDetails) (*snapshotState, error) {
	snapshot, err := m.buildSnapshot(ctx, fingerprint.Value)
	if err != nil {
		return nil, err
	}
	mode := fingerprint.Mode
	if mode == "" {
		mode = fingerprintModeUnknown
	}
	components := fingerprint.Components
	if components == nil {
		components = map[string]string{}
	}
	return &snapshotState{
		Snapshot:              snapshot,
		FingerprintMode:       mode,
		FingerprintComponents: components,
	}, nil
}

func (m *Manager) buildSnapshot(ctx context.Context, fingerprint string) (*Snapshot, error) {
	start := time.Now()
	m.logger.Info("introspecting database schema")
	result, err := BuildSchema(ctx, m.build)
	if err != nil {
		return nil, err
	}

	m.logger.Info("discovered tables", slog.Int("count", len(result.DBSchema.Tables)))
	for _, table := range result.DBSchema.Tables {
		m.logger.Debug("table discovered",
			slog.String("table", table.Name),
			slog.Int("columns", len(table.Columns)),
			slog.Int("foreignKeys", len(table.ForeignKeys)),
			slog.Bool("junction", table.Junction),
		)
	}

	graphqlSchema := result.GraphQLSchema
	graphqlHandler := handler.New(&handler.Config{
		Schema:     &graphqlSchema,
		Pretty:     true,
		GraphiQL:   m.graphiQL,
		Playground: false,
	})

	m.logger.Info("schema snapshot built",
		slog.Int("types", len(result.Registry.Types())),
		slog.Int("hints", result.Hints.Len()),
		slog.Duration("duration", time.Since(start)),
	)

	return &Snapshot{
		Schema:      &graphqlSchema,
		Handler:     graphqlHandler,
		Registry:    result.Registry,
		DBSchema:    result.DBSchema,
		BuiltAt:     time.Now(),
		Fingerprint: fingerprint,
	}, nil
}

func (m *Manager) computeFingerprintDetails(ctx context.Context) (fingerprintDetails, error) {
	tracer := otel.Tracer("loadplan/introspection")
	ctx, span := tracer.Start(ctx, "introspection.compute_fingerprint")
	defer span.End()

	details, err := m.computeStructuralFingerprint(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.String("db.schema", m.build.DatabaseName),
			attribute.String("schema.fingerprint_mode", details.Mode),
		)
		return details, nil
	}

	m.logger.Warn("structural fingerprint failed, falling back to lightweight fingerprint",
		slog.String("error", err.Error()),
	)
	fallback, fallbackErr := m.computeLightweightFingerprint(ctx)
	if fallbackErr != nil {
		span.RecordError(err)
		span.RecordError(fallbackErr)
		return fingerprintDetails{
			Mode:       fingerprintModeUnknown,
			Components: map[string]string{},
		}, fmt.Errorf("failed to compute fingerprints: structural error: %w; fallback error: %v", err, fallbackErr)
	}

	span.SetAttributes(
		attribute.String("db.schema", m.build.DatabaseName),
		attribute.String("schema.fingerprint_mode", fallback.Mode),
	)
	return fallback, nil
}

// structuralComponents covers the metadata the schema mapping is derived
// from. Comments and indexes do not change the mapping.
var structuralComponents = []fingerprintComponent{
	{
		name: "tables",
		query: `
			SELECT TABLE_NAME, TABLE_TYPE
			FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_SCHEMA = ?
				AND TABLE_TYPE = 'BASE TABLE'
			ORDER BY TABLE_NAME
		`,
	},
	{
		name: "columns",
		query: `
			SELECT
				TABLE_NAME,
				COLUMN_NAME,
				CAST(ORDINAL_POSITION AS CHAR),
				DATA_TYPE,
				COLUMN_TYPE,
				IS_NULLABLE
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_SCHEMA = ?
			ORDER BY TABLE_NAME, ORDINAL_POSITION, COLUMN_NAME
		`,
	},
	{
		name: "primary_keys",
		query: `
			SELECT
				TABLE_NAME,
				COLUMN_NAME,
				CAST(ORDINAL_POSITION AS CHAR)
			FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
			WHERE TABLE_SCHEMA = ?
				AND CONSTRAINT_NAME = 'PRIMARY'
			ORDER BY TABLE_NAME, ORDINAL_POSITION, COLUMN_NAME
		`,
	},
	{
		name: "foreign_keys",
		query: `
			SELECT
				TABLE_NAME,
				CONSTRAINT_NAME,
				COLUMN_NAME,
				COALESCE(REFERENCED_TABLE_NAME, ''),
				COALESCE(REFERENCED_COLUMN_NAME, ''),
				CAST(ORDINAL_POSITION AS CHAR)
			FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
			WHERE TABLE_SCHEMA = ?
				AND REFERENCED_TABLE_NAME IS NOT NULL
			ORDER BY TABLE_NAME, CONSTRAINT_NAME, ORDINAL_POSITION, COLUMN_NAME
		`,
	},
}

func (m *Manager) computeStructuralFingerprint(ctx context.Context) (fingerprintDetails, error) {
	componentHashes := make(map[string]string, len(structuralComponents))
	for _, component := range structuralComponents {
		hash, err := m.hashComponentQuery(ctx, component.query, m.build.DatabaseName)
		if err != nil {
			return fingerprintDetails{}, fmt.Errorf("failed to hash %s component: %w", component.name, err)
		}
		componentHashes[component.name] = hash
	}

	return fingerprintDetails{
		Value:      combineComponentHashes(componentHashes),
		Mode:       fingerprintModeStructural,
		Components: componentHashes,
	}, nil
}

func (m *Manager) computeLightweightFingerprint(ctx context.Context) (fingerprintDetails, error) {
	query := `
		SELECT
			TABLE_NAME,
			COALESCE(CAST(CREATE_TIME AS CHAR), ''),
			COALESCE(CAST(UPDATE_TIME AS CHAR), '')
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
			AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	componentHash, err := m.hashComponentQuery(ctx, query, m.build.DatabaseName)
	if err != nil {
		return fingerprintDetails{}, err
	}

	componentHashes := map[string]string{
		"table_timestamps": componentHash,
	}
	return fingerprintDetails{
		Value:      combineComponentHashes(componentHashes),
		Mode:       fingerprintModeLightweight,
		Components: componentHashes,
	}, nil
}

func (m *Manager) hashComponentQuery(ctx context.Context, query string, args ...any) (string, error) {
	rows, err := m.build.Introspector.QueryContext(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}
	values := make([]sql.NullString, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	hash := sha256.New()
	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return "", err
		}
		// length-prefixed cells keep delimiters inside values unambiguous
		for _, value := range values {
			cell := ""
			if value.Valid {
				cell = value.String
			}
			_, _ = fmt.Fprintf(hash, "%d:%s|", len(cell), cell)
		}
		_, _ = hash.Write([]byte{'\n'})
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

func nextInterval(current, minInterval, maxInterval time.Duration) time.Duration {
	if current < minInterval {
		return minInterval
	}
	next := current + current/2
	if next > maxInterval {
		return maxInterval
	}
	return next
}

func (m *Manager) recordRefresh(duration time.Duration, success bool, trigger string) {
	m.metrics.RecordSchemaRefresh(context.Background(), duration, success, trigger)
}

func combineComponentHashes(componentHashes map[string]string) string {
	if len(componentHashes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(componentHashes))
	for key := range componentHashes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	hash := sha256.New()
	for _, key := range keys {
		_, _ = fmt.Fprintf(hash, "%s=%s\n", key, componentHashes[key])
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// changedFingerprintComponents compares over the union of keys so added and
// removed components are reported too.
func changedFingerprintComponents(previous, current map[string]string) []string {
	keySet := make(map[string]struct{}, len(previous)+len(current))
	for key := range previous {
		keySet[key] = struct{}{}
	}
	for key := range current {
		keySet[key] = struct{}{}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	changed := make([]string, 0, len(keys))
	for _, key := range keys {
		if previous[key] != current[key] {
			changed = append(changed, key)
		}
	}
	return changed
}
