package daemon

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/transcribeflow/dispatchd/internal/config"
	"github.com/transcribeflow/dispatchd/internal/reconciler"
)

// App owns the long-lived runtime lifecycle (config watcher, Background
// Reconciler) and delegates HTTP server management to Manager.
type App struct {
	logger     zerolog.Logger
	manager    Manager
	cfgHolder  *config.Holder
	reconciler *reconciler.Reconciler
}

// NewApp creates a new App orchestrator.
func NewApp(logger zerolog.Logger, manager Manager, cfgHolder *config.Holder, rec *reconciler.Reconciler) *App {
	return &App{
		logger:     logger,
		manager:    manager,
		cfgHolder:  cfgHolder,
		reconciler: rec,
	}
}

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs. The first Reconciler tick runs
// synchronously before the HTTP listener starts accepting connections
// (SPEC_FULL §4.7), so a freshly started process never serves
// /api/tasks/request against an empty queue.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup should not fail if the
	// watcher cannot be started.
	if a.cfgHolder != nil {
		if err := a.cfgHolder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}
	}

	if a.reconciler != nil {
		a.reconciler.Tick(ctx)

		g.Go(func() error {
			return a.reconciler.Run(ctx)
		})
	}

	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			_ = a.manager.Shutdown(shutdownCtx)
			cancel()
		}
		return err
	})

	return g.Wait()
}
