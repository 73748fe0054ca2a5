package eventstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateLocal runs the embedded schema migrations against db using
// golang-migrate's sqlite3 driver. That driver's WithInstance asserts the
// connection down to *sqlite3.SQLiteConn, so this path only works against
// mattn/go-sqlite3 — see sqlite_portable.go for the modernc.org/sqlite
// equivalent, which applies the same statements directly instead.
func migrateLocal(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventstore: load embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("eventstore: sqlite3 migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("eventstore: migration runner: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventstore: apply migrations: %w", err)
	}

	return nil
}
