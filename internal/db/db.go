// Package db embeds the versioned SQL migrations for both backends and
// provides the shared goose runner.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// Migrations holds the embedded SQL migration files, one directory per
// dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var Migrations embed.FS

// goose keeps dialect and base FS as package-level state.
var gooseMu sync.Mutex

// MigrateUp applies all pending migrations for the given goose dialect
// ("postgres" or "sqlite3"), recording applied versions in schema_migrations.
func MigrateUp(ctx context.Context, conn *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(Migrations)
	goose.SetTableName("schema_migrations")
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration. Used by the migrate CLI
// and the schema round-trip tests.
func MigrateDown(ctx context.Context, conn *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(Migrations)
	goose.SetTableName("schema_migrations")
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.DownContext(ctx, conn, dir); err != nil {
		return fmt.Errorf("goose down: %w", err)
	}
	return nil
}
