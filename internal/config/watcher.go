package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/ordersync/internal/scheduler"
)

// Watcher reloads the configuration periodically and publishes fast mode
// settings whenever they change. A reload that fails validation is logged and
// the previous settings stay in force.
type Watcher struct {
	path     string
	opts     []Option
	interval time.Duration
	logger   *slog.Logger

	last    scheduler.Settings
	updates chan scheduler.Settings
}

// NewWatcher creates a watcher for the file at path, starting from current.
func NewWatcher(path string, current Config, logger *slog.Logger, opts ...Option) *Watcher {
	interval := current.ReloadInterval
	if interval <= 0 {
		interval = Default().ReloadInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		opts:     opts,
		interval: interval,
		logger:   logger,
		last:     current.Settings(),
		updates:  make(chan scheduler.Settings, 1),
	}
}

// Updates returns the channel new settings are published on. Only the latest
// unread value is kept.
func (w *Watcher) Updates() <-chan scheduler.Settings { return w.updates }

// Run polls until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Reload()
		}
	}
}

// Reload loads the file once and publishes the settings if they changed.
// Reports whether anything was published.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path, w.opts...)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return false
	}
	set := cfg.Settings()
	if set == w.last {
		return false
	}
	w.logger.Info("fast mode settings changed",
		"enabled", set.Enabled, "delay", set.Delay, "was_enabled", w.last.Enabled, "was_delay", w.last.Delay)
	w.last = set

	select {
	case <-w.updates:
	default:
	}
	w.updates <- set
	return true
}
