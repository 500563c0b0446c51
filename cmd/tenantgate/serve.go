package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/tenantgate/pkg/config"
	"github.com/pario-ai/tenantgate/pkg/monitor"
	"github.com/pario-ai/tenantgate/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server and budget monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.openGateway(ctx); err != nil {
				return err
			}
			if n, err := a.recorder.Replay(ctx); err != nil {
				a.log.Warn("usage spool replay failed", zap.Error(err))
			} else if n > 0 {
				a.log.Info("usage spool replayed", zap.Int("records", n))
			}

			srv := server.New(server.Options{
				Addr:       a.cfg.Listen,
				JWTSecret:  a.cfg.Auth.JWTSecret,
				AdminToken: a.cfg.Auth.AdminToken,
			}, a.gateway, a.alerts, a.log.Named("http"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if a.cfg.Monitor.Enabled {
				mon := monitor.New(a.ledger, a.alerts, a.sink, monitor.Config{
					Schedule:     a.cfg.Monitor.Schedule,
					Thresholds:   a.cfg.Budget.Thresholds,
					SoftLimitPct: a.cfg.Budget.SoftLimitPct,
				}, a.log.Named("monitor"))
				g.Go(func() error { return mon.Run(gctx) })
			}
			if a.cache != nil && a.cfg.Cache.Driver != "redis" {
				g.Go(func() error {
					a.cache.Run(gctx, a.cfg.Cache.SweepInterval)
					return nil
				})
			}
			if !noWatch {
				g.Go(func() error { return a.watchConfig(gctx, *configPath) })
			}

			a.log.Info("tenantgate starting",
				zap.String("version", version),
				zap.String("config", *configPath),
				zap.Int("tenants", len(a.cfg.Tenants)),
				zap.Int("providers", len(a.cfg.Providers)),
			)
			err = g.Wait()

			// Requests abandoned by their callers still owe a usage record.
			a.gateway.Drain()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			a.log.Info("tenantgate stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload pricing and tenant limits when the config file changes")
	return cmd
}

// watchConfig applies pricing and tenant limit changes from the config
// file without a restart. Other settings need a restart.
func (a *app) watchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(cfg *config.Config) {
		a.invoker.Pricing().Update(cfg.Pricing)
		a.registerTenants(ctx, cfg)
		a.log.Info("config reloaded",
			zap.Int("models", len(cfg.Pricing)),
			zap.Int("tenants", len(cfg.Tenants)),
		)
	}, func(err error) {
		a.log.Warn("config reload failed", zap.Error(err))
	})
}
