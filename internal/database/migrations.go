package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migration is one numbered schema file, applied at most once
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies the event store schema in version order
type Migrator struct {
	db     *DB
	source fs.FS
	logger *slog.Logger
}

// MigratorOption configures a Migrator
type MigratorOption func(*Migrator)

// WithSource reads migrations from fsys instead of the embedded schema.
// Files live under migrations/ and are named NNN_name.sql.
func WithSource(fsys fs.FS) MigratorOption {
	return func(m *Migrator) {
		m.source = fsys
	}
}

// NewMigrator returns a migrator over the embedded schema
func NewMigrator(db *DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		db:     db,
		source: migrationsFS,
		logger: slog.Default().With("component", "migrator"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run applies every pending migration and returns the ones it applied
func (m *Migrator) Run(ctx context.Context) ([]Migration, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]Migration, 0, len(pending))
	for _, migration := range pending {
		if err := m.apply(ctx, migration); err != nil {
			return applied, fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}
		m.logger.Info("Applied migration", "version", migration.Version, "name", migration.Name)
		applied = append(applied, migration)
	}
	return applied, nil
}

// Pending returns the migrations newer than the applied schema, oldest first
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	version, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations(m.source)
	if err != nil {
		return nil, err
	}

	i := sort.Search(len(all), func(i int) bool { return all[i].Version > version })
	return all[i:], nil
}

// Version returns the highest applied migration, 0 for a fresh database
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var version sql.NullInt64
	if err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version, migration.Name,
		)
		return err
	})
}

// parseMigrationName splits "001_initial_schema.sql" into 1 and "initial_schema"
func parseMigrationName(file string) (int, string, bool) {
	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false
	}
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// loadMigrations reads every migration under migrations/ sorted by version.
// Two files with the same version are an error.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	seen := make(map[int]string, len(entries))
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			slog.Warn("Skipping migration file", "component", "migrator", "file", entry.Name())
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
