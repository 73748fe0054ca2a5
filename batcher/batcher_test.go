package batcher

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/logging/mlog"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE counters (name TEXT PRIMARY KEY, value INTEGER NOT NULL)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO counters (name, value) VALUES ('x', 0)`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func incrementOp() Operation {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = 'x'`)
		return err
	}
}

func failingOp() Operation {
	return func(ctx context.Context, tx *sql.Tx) error {
		return coreerr.ValidationError{Message: "intentional failure"}
	}
}

func TestBatcher_ConcurrentSubmitsCoalesceIntoOneFlush(t *testing.T) {
	db := newTestDB(t)
	b := New(db, &mlog.NoneLogger{}, 20*time.Millisecond, 1000, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Submit(context.Background(), Work{Operations: []Operation{incrementOp()}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var value int
	require.NoError(t, db.QueryRow(`SELECT value FROM counters WHERE name = 'x'`).Scan(&value))
	assert.Equal(t, 10, value)
}

func TestBatcher_FailingSubmissionIsolatedFromOthers(t *testing.T) {
	db := newTestDB(t)
	b := New(db, &mlog.NoneLogger{}, 20*time.Millisecond, 1000, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var wg sync.WaitGroup
	wg.Add(2)

	var goodErr, badErr error

	go func() {
		defer wg.Done()
		goodErr = b.Submit(context.Background(), Work{Operations: []Operation{incrementOp()}})
	}()

	go func() {
		defer wg.Done()
		badErr = b.Submit(context.Background(), Work{Operations: []Operation{failingOp()}})
	}()

	wg.Wait()

	assert.NoError(t, goodErr)
	assert.Error(t, badErr)

	var value int
	require.NoError(t, db.QueryRow(`SELECT value FROM counters WHERE name = 'x'`).Scan(&value))
	assert.Equal(t, 1, value)
}

func TestBatcher_QueueFullBackpressure(t *testing.T) {
	db := newTestDB(t)
	b := New(db, &mlog.NoneLogger{}, time.Hour, 1000, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	err := b.Submit(context.Background(), Work{Operations: []Operation{incrementOp()}})
	var qf coreerr.QueueFullError
	assert.ErrorAs(t, err, &qf)
}
