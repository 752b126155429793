package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsTable = "letterflow_schema_migrations"

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

func migrateSchema(db *sql.DB, dialect string) error {
	source, err := iofs.New(migrationFiles, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("open %s migrations: %w", dialect, err)
	}
	var driver database.Driver
	switch dialect {
	case "postgres":
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	case "sqlite":
		driver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	default:
		return fmt.Errorf("%w: migrations for %s", ErrNotImplemented, dialect)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func optionLockKey(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("letterflow_options"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
