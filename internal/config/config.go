// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package config loads authkeep settings from a YAML file, command-line
// flags and the environment, in increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/authkeep/authkeep/internal/auth"
	"github.com/authkeep/authkeep/internal/auth/kafka"
	"github.com/authkeep/authkeep/internal/auth/session"
	"github.com/authkeep/authkeep/internal/logging"
	"github.com/authkeep/authkeep/internal/notify"
)

// Environment variables holding secrets. They override file and flag values.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisURL      = "REDIS_URL"
	EnvSessionSecret = "AUTHKEEP_SESSION_SECRET"
	EnvSMTPPassword  = "AUTHKEEP_SMTP_PASSWORD"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnectAttempts uint64        `koanf:"connect_attempts"`
	ConnectBackoff  time.Duration `koanf:"connect_backoff"`
}

// RedisConfig configures the attempt counter.
type RedisConfig struct {
	URL    string        `koanf:"url"`
	Prefix string        `koanf:"prefix"`
	Window time.Duration `koanf:"window"`
}

// SessionConfig configures session tokens.
type SessionConfig struct {
	Secret string        `koanf:"secret"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl"`
}

// PasswordConfig configures password rotation and hashing.
type PasswordConfig struct {
	MinAge         time.Duration `koanf:"min_age"`
	MaxAge         time.Duration `koanf:"max_age"`
	AllowIdentical bool          `koanf:"allow_identical"`
	// HashVersion selects the current version; empty means the newest built-in.
	HashVersion string `koanf:"hash_version"`
}

// TokenConfig configures remember-me tokens.
type TokenConfig struct {
	MaxAge time.Duration `koanf:"max_age"`
}

// VerificationConfig configures verification tokens.
type VerificationConfig struct {
	MinAge time.Duration `koanf:"min_age"`
	MaxAge time.Duration `koanf:"max_age"`
	Digest string        `koanf:"digest"`
}

// SignInConfig configures lockout.
type SignInConfig struct {
	MaxAttempts int64 `koanf:"max_attempts"`
}

// MetricsConfig configures the observability server.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `koanf:"addr"`
}

// PurgeConfig configures the retention job.
type PurgeConfig struct {
	Interval              time.Duration `koanf:"interval"`
	VerificationRetention time.Duration `koanf:"verification_retention"`
	EventRetention        time.Duration `koanf:"event_retention"`
}

// Config is the complete authkeep configuration.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Session      SessionConfig      `koanf:"session"`
	Password     PasswordConfig     `koanf:"password"`
	Tokens       TokenConfig        `koanf:"tokens"`
	Verification VerificationConfig `koanf:"verification"`
	SignIn       SignInConfig       `koanf:"signin"`
	SMTP         notify.SMTPConfig  `koanf:"smtp"`
	Kafka        kafka.Config       `koanf:"kafka"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Purge        PurgeConfig        `koanf:"purge"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Database: DatabaseConfig{
			MaxConns:        10,
			ConnectAttempts: 5,
			ConnectBackoff:  500 * time.Millisecond,
		},
		Redis:        RedisConfig{Prefix: "authkeep:", Window: 15 * time.Minute},
		Session:      SessionConfig{Issuer: "authkeep", TTL: session.DefaultTTL},
		Password:     PasswordConfig{MinAge: 24 * time.Hour, MaxAge: 90 * 24 * time.Hour},
		Tokens:       TokenConfig{MaxAge: 30 * 24 * time.Hour},
		Verification: VerificationConfig{MinAge: time.Minute, MaxAge: 24 * time.Hour, Digest: string(auth.DigestSHA256)},
		SignIn:       SignInConfig{MaxAttempts: auth.DefaultMaxPasswordAttempts},
		SMTP:         notify.SMTPConfig{Port: 587, TLS: true},
		Kafka:        kafka.Config{Topic: kafka.DefaultTopic, ClientID: "authkeep"},
		Metrics:      MetricsConfig{Addr: "127.0.0.1:9100"},
		Purge: PurgeConfig{
			Interval:              time.Hour,
			VerificationRetention: 24 * time.Hour,
			EventRetention:        90 * 24 * time.Hour,
		},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":     "log.format",
	"log-level":      "log.level",
	"metrics-addr":   "metrics.addr",
	"purge-interval": "purge.interval",
	"database-url":   "database.url",
	"redis-url":      "redis.url",
}

// Load builds a Config from Default, then path (if non-empty), then the
// changed flags in flags (if non-nil), then the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(path, flags, os.LookupEnv)
}

func load(path string, flags *pflag.FlagSet, lookupEnv func(string) (string, bool)) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrapf(err, "decode config")
	}

	for env, dst := range map[string]*string{
		EnvDatabaseURL:   &cfg.Database.URL,
		EnvRedisURL:      &cfg.Redis.URL,
		EnvSessionSecret: &cfg.Session.Secret,
		EnvSMTPPassword:  &cfg.SMTP.Password,
	} {
		if v, ok := lookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	return &cfg, nil
}

// Validate checks values that every command relies on.
func (c *Config) Validate() error {
	errb := oops.Code("CONFIG_INVALID")
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errb.With("log.format", c.Log.Format).Errorf("log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errb.With("log.level", c.Log.Level).Wrap(err)
	}
	switch auth.DigestAlgorithm(c.Verification.Digest) {
	case auth.DigestSHA256, auth.DigestSHA512, auth.DigestSHA3_256:
	default:
		return errb.With("verification.digest", c.Verification.Digest).Errorf("unsupported digest %q", c.Verification.Digest)
	}
	for name, d := range map[string]time.Duration{
		"password.min_age":             c.Password.MinAge,
		"password.max_age":             c.Password.MaxAge,
		"verification.min_age":         c.Verification.MinAge,
		"verification.max_age":         c.Verification.MaxAge,
		"purge.verification_retention": c.Purge.VerificationRetention,
		"purge.event_retention":        c.Purge.EventRetention,
		"database.connect_backoff":     c.Database.ConnectBackoff,
	} {
		if d < 0 {
			return errb.With("key", name).Errorf("%s cannot be negative", name)
		}
	}
	if c.Tokens.MaxAge <= 0 {
		return errb.Errorf("tokens.max_age must be positive")
	}
	if c.Session.TTL <= 0 {
		return errb.Errorf("session.ttl must be positive")
	}
	if c.Redis.Window <= 0 {
		return errb.Errorf("redis.window must be positive")
	}
	if c.Purge.Interval <= 0 {
		return errb.Errorf("purge.interval must be positive")
	}
	if c.SignIn.MaxAttempts <= 0 {
		return errb.Errorf("signin.max_attempts must be positive")
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return errb.Errorf("database.min_conns must be between 0 and database.max_conns")
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < session.MinSecretLength {
		return errb.Errorf("session secret must be at least %d bytes", session.MinSecretLength)
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return errb.Errorf("smtp.from is required when smtp.host is set")
	}
	return nil
}

// RequireDatabase checks that a database URL is configured.
func (c *Config) RequireDatabase() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return oops.Code("CONFIG_INVALID").Errorf("%s environment variable or database.url is required", EnvDatabaseURL)
	}
	return nil
}

// RequireServe checks the settings needed to run the engine.
func (c *Config) RequireServe() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return oops.Code("CONFIG_INVALID").Errorf("%s environment variable or redis.url is required", EnvRedisURL)
	}
	if c.Session.Secret == "" {
		return oops.Code("CONFIG_INVALID").Errorf("%s environment variable or session.secret is required", EnvSessionSecret)
	}
	return nil
}
