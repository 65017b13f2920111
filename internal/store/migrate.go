// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change.
type Migration struct {
	Version uint
	Name    string
}

// String returns the file stem, for example "000001_accounts".
func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

var migrationFile = regexp.MustCompile(`^(\d{6})_(\w+)\.(up|down)\.sql$`)

var catalog = sync.OnceValues(func() ([]Migration, error) {
	return readCatalog(migrationsFS, "migrations")
})

// readCatalog lists the migrations under dir. Every file must be named
// NNNNNN_name.(up|down).sql and every version needs both directions.
func readCatalog(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, oops.Code("MIGRATION_CATALOG_INVALID").With("dir", dir).Wrap(err)
	}

	type halves struct {
		name     string
		up, down bool
	}
	seen := make(map[uint]*halves)
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, oops.Code("MIGRATION_CATALOG_INVALID").
				With("file", entry.Name()).
				Errorf("migration file %q is not named NNNNNN_name.(up|down).sql", entry.Name())
		}
		v, _ := strconv.ParseUint(match[1], 10, 32) //nolint:errcheck // six digits always parse
		h, ok := seen[uint(v)]
		if !ok {
			h = &halves{name: match[2]}
			seen[uint(v)] = h
		}
		if h.name != match[2] {
			return nil, oops.Code("MIGRATION_CATALOG_INVALID").
				With("version", v).
				Errorf("migration %06d has two names: %s and %s", v, h.name, match[2])
		}
		if match[3] == "up" {
			h.up = true
		} else {
			h.down = true
		}
	}

	out := make([]Migration, 0, len(seen))
	for v, h := range seen {
		if !h.up || !h.down {
			return nil, oops.Code("MIGRATION_CATALOG_INVALID").
				With("version", v).
				Errorf("migration %06d_%s needs both an up and a down file", v, h.name)
		}
		out = append(out, Migration{Version: v, Name: h.name})
	}
	slices.SortFunc(out, func(a, b Migration) int { return int(a.Version) - int(b.Version) })
	return out, nil
}

// Migrations returns the embedded schema migrations, oldest first.
func Migrations() ([]Migration, error) {
	list, err := catalog()
	if err != nil {
		return nil, err
	}
	return slices.Clone(list), nil
}

// MigrationName returns the file stem of version, for example
// "000001_accounts", or "" when no embedded migration has that version.
func MigrationName(version uint) (string, error) {
	list, err := catalog()
	if err != nil {
		return "", err
	}
	for _, m := range list {
		if m.Version == version {
			return m.String(), nil
		}
	}
	return "", nil
}

// migrateIface is the subset of *migrate.Migrate used by Migrator.
type migrateIface interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// slogMigrateLogger routes golang-migrate progress lines to slog.
type slogMigrateLogger struct {
	logger *slog.Logger
}

func (l slogMigrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l slogMigrateLogger) Verbose() bool { return false }

// Migrator applies the authkeep schema: accounts, persistent tokens,
// verification records and authentication events.
type Migrator struct {
	m migrateIface
}

// NewMigrator creates a Migrator for databaseURL. postgres:// and
// postgresql:// URLs are rewritten to the pgx5:// scheme.
func NewMigrator(databaseURL string) (*Migrator, error) {
	if _, err := catalog(); err != nil {
		return nil, err
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		_ = source.Close() //nolint:errcheck // init error takes precedence
		return nil, oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	m.Log = slogMigrateLogger{logger: slog.Default().With("component", "migrate")}
	return &Migrator{m: m}, nil
}

func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, found := strings.CutPrefix(databaseURL, scheme); found {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// changed maps migrate.ErrNoChange to success.
func changed(code string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return oops.Code(code).Wrap(err)
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	return changed("MIGRATION_UP_FAILED", m.m.Up())
}

// Down rolls back every migration. It drops all accounts and their history.
func (m *Migrator) Down() error {
	return changed("MIGRATION_DOWN_FAILED", m.m.Down())
}

// Steps applies n migrations; negative n rolls back.
func (m *Migrator) Steps(n int) error {
	if n == 0 {
		return nil
	}
	return changed("MIGRATION_STEPS_FAILED", m.m.Steps(n))
}

// Version returns the applied schema version and dirty state. A database
// with no authkeep schema reports version 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Force records version as applied and clean without running anything.
// Version 0 marks the schema as empty. Other versions must be embedded
// migrations.
func (m *Migrator) Force(version int) error {
	target := version
	switch {
	case version < 0:
		return oops.Code("INVALID_VERSION").Errorf("version must be non-negative, got %d", version)
	case version == 0:
		target = database.NilVersion
	default:
		name, err := MigrationName(uint(version))
		if err != nil {
			return err
		}
		if name == "" {
			return oops.Code("INVALID_VERSION").
				With("version", version).
				Errorf("no migration has version %d", version)
		}
	}
	if err := m.m.Force(target); err != nil {
		return oops.Code("MIGRATION_FORCE_FAILED").With("version", version).Wrap(err)
	}
	return nil
}

// PendingMigrations returns the versions Up would apply, oldest first.
func (m *Migrator) PendingMigrations() ([]uint, error) {
	current, _, err := m.Version()
	if err != nil {
		return nil, err
	}
	list, err := catalog()
	if err != nil {
		return nil, err
	}
	var pending []uint
	for _, mig := range list {
		if mig.Version > current {
			pending = append(pending, mig.Version)
		}
	}
	return pending, nil
}

// Close releases the migration source and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").Wrap(err)
	}
	return nil
}
