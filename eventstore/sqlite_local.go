package eventstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenLocal opens the "local engine" backend: mattn/go-sqlite3, a cgo
// binding against the real SQLite C library. Chosen when the workload
// runs on a machine with a C toolchain available and wants SQLite's own
// query planner and pragmas at full fidelity.
//
// Schema is brought up to date via golang-migrate, the only backend for
// which that is possible — see migrate.go.
func OpenLocal(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open local engine: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite serializes writers regardless; avoid SQLITE_BUSY churn

	if err := migrateLocal(db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlStore{db: db}, nil
}
