// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/authkeep/authkeep/internal/app"
	"github.com/authkeep/authkeep/internal/config"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with metrics, health checks and periodic purge",
		Long: `Connect to PostgreSQL and Redis, expose metrics and health checks,
and purge expired verification records and old authentication events on
a schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, logger, cmd, nil)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("metrics-addr", defaults.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().Duration("purge-interval", defaults.Purge.Interval, "interval between retention purges")

	return cmd
}

// runServeWithDeps runs until ctx is done or a server fails.
func runServeWithDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd *cobra.Command, deps *Deps) error {
	deps = deps.withDefaults()
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	var metrics app.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = obsServer.Metrics()
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_FAILED").With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	engine, err := deps.EngineFactory(ctx, cfg, metrics, logger)
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.Code("SERVE_FAILED").With("operation", "open engine").Wrap(err)
	}

	purgeDone := make(chan struct{})
	go func() {
		defer close(purgeDone)
		engine.RunPurge(ctx, cfg.Purge.Interval)
	}()

	ready.Store(true)
	cmd.Println("authkeep started")
	logger.Info("authkeep ready", "purge_interval", cfg.Purge.Interval)

	<-ctx.Done()
	logger.Info("shutting down...")
	ready.Store(false)
	<-purgeDone

	stopObservability(obsServer, logger)
	if err := engine.Close(); err != nil {
		logger.Warn("error closing engine", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func stopObservability(srv ObservabilityServer, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server error, shutting down", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
