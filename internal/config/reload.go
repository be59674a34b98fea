package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// Holder serves an atomically-swappable DispatchConfig snapshot and
// optionally watches its source file for changes. A reload swaps in new
// RatePerSecond, LogLevel, and SyncInterval values; KVUrl/SqlURL/MediaRoot/
// ListenPort are fixed at startup. The swapped values are visible only
// through Get: the Dispatcher, the logger, and the Reconciler are built from
// the startup values and do not read the Holder afterwards.
type Holder struct {
	path     string
	snapshot atomic.Pointer[DispatchConfig]
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// NewHolder wraps an already-loaded config for atomic access and reload.
func NewHolder(path string, initial DispatchConfig) *Holder {
	h := &Holder{path: path, logger: xlog.WithComponent("config")}
	h.snapshot.Store(&initial)
	return h
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() DispatchConfig {
	return *h.snapshot.Load()
}

// Reload re-reads the config file and environment, applies only the fields
// that are safe to change at runtime, and logs (without applying) any
// attempt to change a startup-fixed field.
func (h *Holder) Reload(_ context.Context) error {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return fmt.Errorf("config: reload: %w", err)
	}

	prev := h.Get()
	merged := prev
	merged.RatePerSecond = next.RatePerSecond
	merged.LogLevel = next.LogLevel
	merged.SyncInterval = next.SyncInterval

	if next.KVUrl != prev.KVUrl || next.SqlURL != prev.SqlURL ||
		next.MediaRoot != prev.MediaRoot || next.ListenPort != prev.ListenPort {
		h.logger.Warn().
			Str("event", "config.fixed_field_change_ignored").
			Msg("reload attempted to change a startup-fixed field (kvUrl/sqlUrl/mediaRoot/listenPort); ignoring")
	}

	h.snapshot.Store(&merged)
	h.logger.Info().
		Float64("rate_per_second", merged.RatePerSecond).
		Str("log_level", merged.LogLevel).
		Dur("sync_interval", merged.SyncInterval).
		Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file's directory (to tolerate atomic
// replace-on-write) and debounces reloads. A no-op if path is empty.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Msg("config file watcher disabled (env-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	h.watcher = watcher

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	base := filepath.Base(h.path)
	var debounce *time.Timer
	const debounceWindow = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the underlying fsnotify watcher, if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
