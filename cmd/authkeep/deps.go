// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/authkeep/authkeep/internal/app"
	"github.com/authkeep/authkeep/internal/config"
	"github.com/authkeep/authkeep/internal/observability"
	"github.com/authkeep/authkeep/internal/store"
)

// Engine is the part of app.App the commands drive.
type Engine interface {
	Purge(ctx context.Context) (app.PurgeResult, error)
	RunPurge(ctx context.Context, interval time.Duration)
	Close() error
}

// ObservabilityServer serves metrics and health checks.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Migrator applies schema migrations.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// EngineFactory connects to the infrastructure and wires the engine.
	// Default: app.Open
	EngineFactory func(ctx context.Context, cfg *config.Config, metrics app.Metrics, logger *slog.Logger) (Engine, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// MigratorFactory opens a migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.EngineFactory == nil {
		out.EngineFactory = func(ctx context.Context, cfg *config.Config, metrics app.Metrics, logger *slog.Logger) (Engine, error) {
			return app.Open(ctx, cfg, metrics, logger)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	return &out
}
