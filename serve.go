package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcop/sharepoint2/internal/config"
	"github.com/zcop/sharepoint2/internal/credstore"
	"github.com/zcop/sharepoint2/internal/metrics"
	"github.com/zcop/sharepoint2/internal/tokens"
)

// metricsShutdownTimeout bounds the metrics server's graceful stop.
const metricsShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep stored credentials fresh in the background",
		Long: `Runs the refresh sweep every tokens.sweep_interval until interrupted.
Every configured mount is checked once at startup. The config file is
re-read on SIGHUP (see 'sharepoint2 reload') and whenever it changes on
disk. Prometheus metrics are served when metrics.listen is set.

Only one serve may run per host; a PID file lock enforces this.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("pid-file", "", "PID file path (default in the data directory)")

	return cmd
}

func newReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask the running serve to re-read its config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(pidPathFlag(cmd)); err != nil {
				return err
			}

			cc.Statusf("Reload requested.\n")

			return nil
		},
	}

	cmd.Flags().String("pid-file", "", "PID file path (default in the data directory)")

	return cmd
}

func pidPathFlag(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("pid-file"); p != "" {
		return p
	}

	return defaultPIDPath()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if err := cc.Cfg.RequireApp(); err != nil {
		return err
	}

	cleanup, err := writePIDFile(pidPathFlag(cmd))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	store, err := openStore(ctx, &cc.Cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.New()

	if addr := cc.Cfg.Metrics.Listen; addr != "" {
		srv, err := metrics.Listen(addr, collector, logger)
		if err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	d := newDaemon(config.NewHolder(cc.Cfg, cc.CfgPath, cc.Env), store, collector, logger)

	reload := make(chan struct{}, 1)
	trigger := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	go func() {
		if err := config.Watch(ctx, cc.CfgPath, logger, trigger); err != nil {
			logger.Warn("config file watch disabled", slog.String("error", err.Error()))
		}
	}()

	hup, stopHup := reloadSignals()
	defer stopHup()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("received SIGHUP")
				trigger()
			}
		}
	}()

	d.checkMounts(ctx)

	cc.Statusf("Serving; sweeping every %s. Press Ctrl-C to stop.\n", cc.Cfg.Tokens.SweepIntervalDuration())

	return d.run(ctx, reload)
}

// daemon owns the sweep loop of serve.
type daemon struct {
	holder    *config.Holder
	store     credstore.Store
	collector *metrics.Collector
	logger    *slog.Logger

	appFunc func(*config.Config) tokens.App
	nowFunc func() time.Time
}

func newDaemon(holder *config.Holder, store credstore.Store, collector *metrics.Collector, logger *slog.Logger) *daemon {
	return &daemon{
		holder:    holder,
		store:     store,
		collector: collector,
		logger:    logger,
		appFunc:   func(cfg *config.Config) tokens.App { return appFromConfig(&cfg.App) },
		nowFunc:   time.Now,
	}
}

// run sweeps immediately, then every sweep interval, until ctx is done.
// Each receive on reload re-reads the config.
func (d *daemon) run(ctx context.Context, reload <-chan struct{}) error {
	interval := d.holder.Config().Tokens.SweepIntervalDuration()

	d.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("serve stopped")
			return nil
		case <-ticker.C:
			d.sweep(ctx)
		case <-reload:
			cfg, ok := d.reload()
			if !ok {
				continue
			}

			if next := cfg.Tokens.SweepIntervalDuration(); next != interval {
				d.logger.Info("sweep interval changed",
					slog.Duration("from", interval),
					slog.Duration("to", next),
				)

				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// sweep refreshes every due credential with the current config. A manager
// is built per pass so reloaded token settings apply immediately.
func (d *daemon) sweep(ctx context.Context) *tokens.SweepReport {
	cfg := d.holder.Config()
	mgr := newManager(d.store, cfg, d.logger, d.collector)

	report, err := mgr.RefreshDue(ctx, d.appFunc(cfg), cfg.Tokens.SweepMarginDuration())
	if err != nil {
		d.logger.Error("sweep failed", slog.String("error", err.Error()))
		return nil
	}

	d.collector.ObserveSweep(report, d.nowFunc())

	for _, f := range report.Failed {
		d.logger.Warn("credential refresh failed",
			slog.String("key", f.Key.String()),
			slog.String("error", f.Err.Error()),
		)
	}

	d.logger.Info("sweep complete",
		slog.Int("due", report.Due),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", len(report.Failed)),
	)

	return report
}

// reload swaps in the config file's current content. Store and metrics
// settings are read once at startup.
func (d *daemon) reload() (*config.Config, bool) {
	prev := d.holder.Config()

	cfg, err := d.holder.Reload()
	if err != nil {
		d.logger.Error("config reload failed, keeping current config", slog.String("error", err.Error()))
		return nil, false
	}

	if cfg.Store != prev.Store {
		d.logger.Warn("store settings changed; restart serve to apply them")
	}

	if cfg.Metrics != prev.Metrics {
		d.logger.Warn("metrics settings changed; restart serve to apply them")
	}

	d.logger.Info("config reloaded", slog.Int("mounts", len(cfg.Mounts)))

	return cfg, true
}

// checkMounts resolves every configured mount once. Failures are logged,
// not fatal: a mount whose identity has not logged in yet is expected.
func (d *daemon) checkMounts(ctx context.Context) {
	cfg := d.holder.Config()
	mgr := newManager(d.store, cfg, d.logger, d.collector)

	for _, name := range cfg.MountNames() {
		_, adapter := buildAdapter(cfg, cfg.Mounts[name], mgr, d.logger, d.collector)

		if err := adapter.Test(ctx); err != nil {
			d.logger.Warn("mount check failed",
				slog.String("mount", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		d.logger.Info("mount ready", slog.String("mount", name), slog.String("storage_id", adapter.ID()))
	}
}

