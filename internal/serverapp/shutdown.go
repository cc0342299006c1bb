package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loadplan/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition: the HTTP
// server stops taking requests before the schema manager stops refreshing,
// and the database closes only after both.
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup even when earlier ones fail and returns their
// errors joined, each prefixed with the component name.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		started := time.Now()
		err := item.fn(ctx)
		if logger != nil {
			if err != nil {
				logger.Warn("cleanup error",
					slog.String("component", item.name),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Info("released "+item.name, slog.Duration("took", time.Since(started)))
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases all acquired resources. Only the first call does any
// work; later calls return its result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = cleanup.run(ctx, a.logger)
	})
	return a.shutdownErr
}
