package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/config"
	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/fixture"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/pgstore"
	"github.com/roach88/ordersync/internal/queryir"
	"github.com/roach88/ordersync/internal/scheduler"
	"github.com/roach88/ordersync/internal/store"
)

// backend is everything the commands need from a durable store. The SQLite
// and PostgreSQL stores both provide it.
type backend interface {
	engine.Store
	engine.PaymentChecker
	audit.Log
	scheduler.Lister
	feed.Source
	mux.Loader
	fixture.Seeder

	ListOrders(ctx context.Context, f queryir.OrderFilter) ([]model.Order, error)
	CountAutomatic(ctx context.Context, orderID string) (int, error)
	Close() error
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*pgstore.Store)(nil)
)

// openBackend opens the store the configuration selects.
func openBackend(ctx context.Context, cfg config.Store) (backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return store.Open(cfg.Path)
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return pgstore.Open(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// describeBackend names the store for logs without leaking credentials.
func describeBackend(cfg config.Store) string {
	if cfg.Driver == config.DriverPostgres {
		return "postgres"
	}
	return "sqlite:" + cfg.Path
}

// classify maps an engine error to an exit code and a JSON error code.
func classify(err error) (int, string) {
	switch {
	case err == nil:
		return ExitSuccess, ""
	case errors.Is(err, model.ErrNotFound):
		return ExitFailure, ErrCodeNotFound
	case engine.IsConflict(err):
		return ExitFailure, ErrCodeConflict
	case engine.IsIllegalTransition(err), engine.IsInvalidActor(err), engine.IsOrderClosed(err):
		return ExitFailure, ErrCodeRejected
	}
	return ExitCommandError, ErrCodeStore
}

// openEngine loads the configuration and builds an engine over the configured
// store for one-shot commands. Reads go to the store since nothing follows
// the change feed. The caller closes the returned backend.
func openEngine(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*engine.Engine, backend, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	f.VerboseLog("Opening store: %s", describeBackend(cfg.Store))
	be, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	return engine.New(be, be, be, nil, nil, engine.WithLogger(slog.Default())), be, nil
}
