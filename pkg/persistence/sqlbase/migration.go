// Package sqlbase holds the SQL plumbing shared by database-backed persistence.
package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

var ErrDuplicateMigration = errors.New("duplicate migration version")

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies pending migrations in version order, each in its own transaction.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

func NewMigrator(logger *slog.Logger, db *sql.DB, migrations []Migration) (*Migrator, error) {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateMigration, sorted[i].Version)
		}
	}

	return &Migrator{
		db:         db,
		logger:     logger.With("component", "migrator"),
		migrations: sorted,
	}, nil
}

// Latest is the highest known version, 0 without migrations.
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}

	return m.migrations[len(m.migrations)-1].Version
}

// Pending lists the migrations newer than version.
func (m *Migrator) Pending(version int) []Migration {
	index, _ := slices.BinarySearchFunc(m.migrations, version+1, func(migration Migration, target int) int {
		return migration.Version - target
	})

	return m.migrations[index:]
}

func (m *Migrator) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := m.Current(ctx)
	if err != nil {
		return err
	}

	pending := m.Pending(current)
	m.logger.InfoContext(ctx, "Schema state", "version", current, "pending", len(pending))

	for _, migration := range pending {
		if err := m.apply(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}

// Current reads the highest applied version.
func (m *Migrator) Current(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) (err error) {
	logger := m.logger.With("version", migration.Version, "name", migration.Name)
	logger.InfoContext(ctx, "Applying migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", migration.Version, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
		migration.Version, migration.Name)
	if err != nil {
		return fmt.Errorf("migration %d: record: %w", migration.Version, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", migration.Version, err)
	}

	return nil
}
