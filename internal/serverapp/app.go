// Package serverapp wires configuration, telemetry, the database, the schema
// manager and the HTTP server into one lifecycle: New, Init, Start,
// WaitForStop and Shutdown.
package serverapp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"loadplan/internal/config"
	"loadplan/internal/logging"
	"loadplan/internal/observability"
	"loadplan/internal/schemarefresh"
)

// App owns the resources of one server run. Init acquires them onto a cleanup
// stack that Shutdown releases in reverse.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	// Set before Init when logs are exported over OTLP.
	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	dsnPresent        bool

	manager *schemarefresh.Manager
	srv     *http.Server
	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates the configuration enough to name the target database and
// returns an App ready for Init.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case logger == nil:
		return nil, errors.New("logger is required")
	}

	database, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}
	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: database,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider hands the OTLP logger provider to the App so Shutdown
// flushes it last.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
