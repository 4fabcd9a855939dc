package store

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// NewMigrator builds a migrator over the embedded migration set for the
// DB's backend. The migrator shares the DB's connection: do not Close it,
// close the DB instead.
func NewMigrator(d *DB) (*migrate.Migrate, error) {
	switch d.backend {
	case SQLite:
		src, err := iofs.New(migrationFS, "migrations/sqlite")
		if err != nil {
			return nil, fmt.Errorf("open migrations: %w", err)
		}
		drv, err := migratesqlite.WithInstance(d.sql, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil

	case Postgres:
		src, err := iofs.New(migrationFS, "migrations/postgres")
		if err != nil {
			return nil, fmt.Errorf("open migrations: %w", err)
		}
		drv, err := migratepgx.WithInstance(d.sql, &migratepgx.Config{})
		if err != nil {
			return nil, fmt.Errorf("pgx migrate driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("no migrations for backend %q", d.backend)
	}
}

// MigrateUp applies all pending migrations on the DB's own connection.
func MigrateUp(d *DB) error {
	m, err := NewMigrator(d)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
