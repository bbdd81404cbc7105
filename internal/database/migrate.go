package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate brings the schema of db up to date. dialect is "sqlite" or
// "postgres". The migrate instance is deliberately not closed: closing it
// would close db as well.
func Migrate(db *sql.DB, dialect string) error {
	var (
		driver database.Driver
		err    error
		name   string
	)
	switch dialect {
	case "sqlite":
		name = "sqlite3"
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case "postgres":
		name = "postgres"
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Info("Database schema is up to date", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}
