// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package app assembles the authentication engine from configuration.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
	"github.com/authkeep/authkeep/internal/auth/kafka"
	"github.com/authkeep/authkeep/internal/auth/postgres"
	authredis "github.com/authkeep/authkeep/internal/auth/redis"
	"github.com/authkeep/authkeep/internal/auth/session"
	"github.com/authkeep/authkeep/internal/config"
	"github.com/authkeep/authkeep/internal/notify"
	"github.com/authkeep/authkeep/internal/store"
	"github.com/authkeep/authkeep/pkg/errutil"
)

// Purge target names used for metrics and logs.
const (
	TableVerifications = "verifications"
	TableEvents        = "authentication_events"
)

// Metrics is the metrics hook of the engine plus the retention counter.
type Metrics interface {
	auth.Metrics
	Purged(table string, n int64)
}

type nopMetrics struct{}

func (nopMetrics) SignIn(string)               {}
func (nopMetrics) Verification(string, string) {}
func (nopMetrics) RehashFailed()               {}
func (nopMetrics) EventLogFailed()             {}
func (nopMetrics) Purged(string, int64)        {}

// Infra is the already-connected infrastructure the engine runs on.
type Infra struct {
	DB    postgres.DB
	Redis goredis.Scripter

	// Optional.
	Notifier auth.Notifier
	Events   []auth.EventLog
	Metrics  Metrics
	Clock    auth.Clock
	Logger   *slog.Logger
}

// App holds the wired engine.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   auth.Clock
	metrics Metrics

	Hasher        *auth.VersionedHasher
	Accounts      *postgres.AccountRepository
	Events        *postgres.EventRepository
	Passwords     *auth.PasswordStore
	Tokens        *auth.PersistentTokenStore
	Verifications *auth.VerificationStore
	Sessions      *session.JWTIssuer
	SignIn        *auth.SignInService

	closers []func() error
}

// NewHasher returns the hasher selected by cfg.
func NewHasher(cfg config.PasswordConfig) (*auth.VersionedHasher, error) {
	if cfg.HashVersion == "" {
		return auth.NewDefaultHasher(), nil
	}
	return auth.NewVersionedHasher(cfg.HashVersion, auth.DefaultHashVersions...)
}

// New wires the engine over infra.
func New(cfg *config.Config, infra Infra) (*App, error) {
	if cfg == nil {
		return nil, oops.Errorf("config is required")
	}
	if infra.DB == nil {
		return nil, oops.Errorf("database is required")
	}
	if infra.Redis == nil {
		return nil, oops.Errorf("redis client is required")
	}
	a := &App{
		cfg:     cfg,
		logger:  infra.Logger,
		clock:   infra.Clock,
		metrics: infra.Metrics,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clock == nil {
		a.clock = auth.SystemClock
	}
	if a.metrics == nil {
		a.metrics = nopMetrics{}
	}
	opts := []auth.Option{
		auth.WithClock(a.clock),
		auth.WithLogger(a.logger),
		auth.WithMetrics(a.metrics),
		auth.WithNotifier(infra.Notifier),
	}

	var err error
	if a.Hasher, err = NewHasher(cfg.Password); err != nil {
		return nil, err
	}
	a.Accounts = postgres.NewAccountRepository(infra.DB)
	a.Events = postgres.NewEventRepository(infra.DB)

	a.Passwords, err = auth.NewPasswordStore(a.Accounts, a.Hasher, auth.PasswordPolicy{
		MinPasswordAge:         cfg.Password.MinAge,
		MaxPasswordAge:         cfg.Password.MaxAge,
		AllowIdenticalPassword: cfg.Password.AllowIdentical,
	}, opts...)
	if err != nil {
		return nil, err
	}
	a.Tokens, err = auth.NewPersistentTokenStore(a.Accounts, a.Hasher, auth.TokenPolicy{
		MaxTokenAge: cfg.Tokens.MaxAge,
	}, opts...)
	if err != nil {
		return nil, err
	}
	a.Verifications, err = auth.NewVerificationStore(postgres.NewVerificationRepository(infra.DB), a.Accounts, auth.VerificationPolicy{
		MinVerificationAge: cfg.Verification.MinAge,
		MaxVerificationAge: cfg.Verification.MaxAge,
		Digest:             auth.DigestAlgorithm(cfg.Verification.Digest),
	}, opts...)
	if err != nil {
		return nil, err
	}
	a.Sessions, err = session.NewJWTIssuer([]byte(cfg.Session.Secret), cfg.Session.Issuer, cfg.Session.TTL, a.clock)
	if err != nil {
		return nil, err
	}

	logs := append([]auth.EventLog{a.Events}, infra.Events...)
	a.SignIn, err = auth.NewSignInService(auth.SignInDeps{
		Accounts:  a.Accounts,
		Passwords: a.Passwords,
		Tokens:    a.Tokens,
		Counter:   authredis.NewAttemptCounter(infra.Redis, cfg.Redis.Prefix, cfg.Redis.Window),
		Sessions:  a.Sessions,
		Events:    auth.EventLogs(logs...),
	}, auth.SignInPolicy{MaxPasswordAttempts: cfg.SignIn.MaxAttempts}, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Open connects to the configured infrastructure and wires the engine.
// Close releases every connection Open made.
func Open(ctx context.Context, cfg *config.Config, metrics Metrics, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.RequireServe(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(closers, logger)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database.URL, store.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectBackoff:  cfg.Database.ConnectBackoff,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { pool.Close(); return nil })

	rdb, err := authredis.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	closers = append(closers, rdb.Close)

	infra := Infra{DB: pool, Redis: rdb, Metrics: metrics, Logger: logger}

	if cfg.SMTP.Host != "" {
		infra.Notifier, err = notify.NewSMTPNotifier(cfg.SMTP, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("smtp host not configured, verification requests cannot be delivered")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewEventPublisher(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pub.Close)
		infra.Events = append(infra.Events, pub)
	}

	a, err := New(cfg, infra)
	if err != nil {
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// Close waits for background rehashes and releases connections in
// reverse order of opening.
func (a *App) Close() error {
	a.Passwords.Wait()
	return closeAll(a.closers, a.logger)
}

func closeAll(closers []func() error, logger *slog.Logger) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errutil.LogError(context.Background(), logger, "close failed", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeResult reports rows removed by Purge.
type PurgeResult struct {
	Verifications int64
	Events        int64
}

// Purge removes expired verification records and authentication events
// older than the configured retention.
func (a *App) Purge(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	n, err := a.Verifications.PurgeExpired(ctx, a.cfg.Purge.VerificationRetention)
	if err != nil {
		return res, err
	}
	res.Verifications = n
	a.metrics.Purged(TableVerifications, n)

	cutoff := a.clock.Now().Add(-a.cfg.Purge.EventRetention)
	n, err = a.Events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return res, oops.Code("PURGE_EVENTS_FAILED").With("cutoff", cutoff).Wrap(err)
	}
	res.Events = n
	a.metrics.Purged(TableEvents, n)

	a.logger.InfoContext(ctx, "purge complete",
		"verifications", res.Verifications,
		"events", res.Events)
	return res, nil
}

// RunPurge calls Purge every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (a *App) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Purge(ctx); err != nil && ctx.Err() == nil {
				errutil.LogError(ctx, a.logger, "purge failed", err)
			}
		}
	}
}
