package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenPortable opens the "remote-capable engine" backend: modernc.org/sqlite,
// a pure-Go, cgo-free port. Chosen when the workload must cross-compile to
// an architecture or container image without a C toolchain, or run on a
// remote worker where cgo is unavailable.
//
// golang-migrate's sqlite3 driver type-asserts the connection down to
// *sqlite3.SQLiteConn from mattn/go-sqlite3, which a pure-Go driver can
// never satisfy — so this backend applies schemaStatements directly
// instead of going through a migration runner. Both backends converge on
// the identical logical schema either way.
func OpenPortable(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open portable engine: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventstore: apply schema: %w", err)
		}
	}

	return &sqlStore{db: db}, nil
}
