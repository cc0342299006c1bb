package serverapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/bridge"
	"loadplan/internal/config"
	"loadplan/internal/schemarefresh"
)

func TestBuildRouter_AdminRouteDisabledReturnsNotFound(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			HealthCheckTimeout: time.Second,
			AdminReloadEnabled: false,
		},
	}
	graphqlHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux := buildRouter(cfg, testLogger(), nil, graphqlHandler, adminHandler, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/reload-schema", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_AdminRouteEnabledInvokesHandler(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			HealthCheckTimeout: time.Second,
			AdminReloadEnabled: true,
		},
	}
	graphqlHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux := buildRouter(cfg, testLogger(), nil, graphqlHandler, adminHandler, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/reload-schema", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBuildRouter_RootRedirectsToGraphQL(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{HealthCheckTimeout: time.Second}}
	mux := buildRouter(cfg, testLogger(), nil, http.NotFoundHandler(), nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/graphql", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildAdminHandler_DisabledReturnsNil(t *testing.T) {
	cfg := &config.Config{}
	assert.Nil(t, buildAdminHandler(cfg, testLogger(), nil))
}

func TestSchemaReloadHandler_RejectsGet(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{AdminReloadEnabled: true}}
	handler := buildAdminHandler(cfg, testLogger(), &schemarefresh.Manager{})

	// GET is rejected before the manager is consulted.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reload-schema", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	healthHandler(db, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"ok"}`, rec.Body.String())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	rec = httptest.NewRecorder()
	healthHandler(db, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase_RetriesUntilReady(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		ConnectionTimeout:       time.Second,
		ConnectionRetryInterval: time.Millisecond,
	}}
	attempts := 0
	err := waitForDatabase(t.Context(), cfg, testLogger(), func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not ready")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWaitForDatabase_ZeroTimeoutTriesOnce(t *testing.T) {
	cfg := &config.Config{}
	attempts := 0
	err := waitForDatabase(t.Context(), cfg, testLogger(), func(_ context.Context) error {
		attempts++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWaitForDatabase_GivesUpAfterTimeout(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		ConnectionTimeout:       20 * time.Millisecond,
		ConnectionRetryInterval: 5 * time.Millisecond,
	}}
	err := waitForDatabase(t.Context(), cfg, testLogger(), func(_ context.Context) error {
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not available after")
}

func TestBuildSchemaConfig(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{Optimizer: config.OptimizerConfig{
		Enabled:             false,
		ResolutionMode:      "async",
		FallbackWorkers:     3,
		PrefetchConcurrency: 2,
		MaxInClause:         50,
		DefaultListLimit:    25,
		MaxDepth:            4,
		MaxPlanNodes:        20,
	}}
	build, err := buildSchemaConfig(cfg, testLogger(), db, "music", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "music", build.DatabaseName)
	assert.True(t, build.DisableOptimizer)
	assert.Equal(t, bridge.ModeAsync, build.ResolutionMode)
	assert.Equal(t, 4, build.Limits.MaxDepth)
	assert.Equal(t, 20, build.Limits.MaxNodes)
	assert.Equal(t, 25, build.DefaultListLimit)
	assert.NotNil(t, build.Introspector)
	assert.NotNil(t, build.Executor)

	cfg.Optimizer.ResolutionMode = "eager"
	_, err = buildSchemaConfig(cfg, testLogger(), db, "music", nil, nil)
	require.Error(t, err)
}

func TestLoadHints(t *testing.T) {
	cfg := &config.Config{}
	file, err := loadHints(cfg, testLogger())
	require.NoError(t, err)
	assert.Nil(t, file)

	cfg.Optimizer.HintsFile = t.TempDir() + "/missing.yaml"
	_, err = loadHints(cfg, testLogger())
	require.Error(t, err)
}
