package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ordersync/internal/api"
	"github.com/roach88/ordersync/internal/cache"
	"github.com/roach88/ordersync/internal/config"
	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/health"
	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/notify"
	"github.com/roach88/ordersync/internal/scheduler"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Addr     string
	FastMode bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine",
		Long: `Start the ordersync engine.

Opens the configured store, keeps the entity cache in sync with its change
feed, runs the fast mode scheduler and, when configured, the HTTP surface
and the AMQP status publisher. With --config the file is re-read
periodically and fast mode changes take effect without a restart.

Example:
  ordersync run --config ./ordersync.yaml
  ORDERSYNC_FAST_MODE=true ordersync run --addr :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&opts.FastMode, "fast-mode", false, "turn fast mode on or off (overrides fast_mode.enabled)")

	return cmd
}

// flagOverrides turns the run flags into config overrides, so the watcher
// keeps them in force across reloads.
func flagOverrides(opts *RunOptions, cmd *cobra.Command) []config.Option {
	var out []config.Option
	if opts.Addr != "" {
		addr := opts.Addr
		out = append(out, config.WithOverride(func(c *config.Config) { c.HTTP.Addr = addr }))
	}
	if cmd.Flags().Changed("fast-mode") {
		enabled := opts.FastMode
		out = append(out, config.WithOverride(func(c *config.Config) { c.FastMode.Enabled = enabled }))
	}
	return out
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	overrides := flagOverrides(opts, cmd)
	cfg, err := loadConfig(opts.RootOptions, overrides...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := slog.Default()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening store", "store", describeBackend(cfg.Store))
	be, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := be.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	mon := health.NewMonitor()
	c := cache.New()
	m := mux.New(be, be, c,
		mux.WithBackoff(cfg.Feed.InitialBackoff, cfg.Feed.MaxBackoff),
		mux.WithMaxWindow(cfg.Feed.MaxWindow),
		mux.WithDegradeAfter(cfg.Feed.DegradeAfter),
		mux.WithLogger(logger),
		mux.WithHealth(mon),
	)
	defer m.Close()

	eng := engine.New(be, be, be, c, m, engine.WithLogger(logger), engine.WithHealth(mon))

	var watcher *config.Watcher
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithWorkers(cfg.FastMode.Workers),
		scheduler.WithSweepIntervals(cfg.FastMode.SweepInterval, cfg.FastMode.DegradedSweepInterval),
	}
	if opts.ConfigPath != "" {
		watcher = config.NewWatcher(opts.ConfigPath, cfg, logger,
			append(configOptions(opts.RootOptions), overrides...)...)
		schedOpts = append(schedOpts, scheduler.WithUpdates(watcher.Updates()))
	}
	sched := scheduler.New(eng, be, schedOpts...)
	sched.Apply(cfg.Settings())

	if _, err := eng.SubscribeOrders(sched.HandleEvent); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe scheduler", err)
	}

	// Lines and tables are followed so reads from the cache stay complete.
	lineListener, tableListener := mux.Listener(func(mux.Event) {}), mux.Listener(func(mux.Event) {})
	if cfg.AMQP.URL != "" {
		client, err := notify.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to AMQP", err)
		}
		defer client.Close()
		n := notify.New(client.Channel(),
			notify.WithExchange(cfg.AMQP.Exchange),
			notify.WithLogger(logger),
			notify.WithSnapshot(c.Snapshot),
		)
		if _, err := eng.SubscribeOrders(n.HandleEvent); err != nil {
			return WrapExitError(ExitCommandError, "failed to subscribe notifier", err)
		}
		lineListener = n.HandleEvent
		logger.Info("publishing status changes", "exchange", cfg.AMQP.Exchange)
	}
	if _, err := eng.SubscribeLines(lineListener); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe lines", err)
	}
	if _, err := eng.SubscribeTables(tableListener); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe tables", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.HTTP.Addr != "" {
		srv := api.New(eng, logger, api.WithOrderLister(be))
		g.Go(func() error { return srv.Run(gctx, cfg.HTTP.Addr) })
	}

	logger.Info("engine starting", "fast_mode", cfg.FastMode.Enabled, "delay", cfg.FastMode.Delay, "http", cfg.HTTP.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}
