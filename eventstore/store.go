// Package eventstore is the local, transactional system of record: an
// append-only event log plus snapshots and the outbox tables that bridge
// the local transaction to the Redis transport, grounded on the embedded
// SQL engine idiom the teacher uses for components that need a local,
// zero-infrastructure relational store.
package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/slapcommerce/core/coreerr"
)

// Store is the local system of record described in spec.md §4.2. Every
// method that mutates state accepts an *sql.Tx so callers (the batcher,
// the unit of work) control transaction boundaries; read-only methods
// accept a Querier so they can run inside or outside a transaction.
type Store interface {
	// AppendEvent appends ev at ev.Version, failing with
	// coreerr.VersionConflictError if the current version of
	// ev.AggregateID is not ev.Version-1.
	AppendEvent(ctx context.Context, tx *sql.Tx, ev Event) error

	// EventsAfter loads every event for aggregateID with version strictly
	// greater than afterVersion, in ascending version order.
	EventsAfter(ctx context.Context, q Querier, aggregateID string, afterVersion uint64) ([]Event, error)

	// CurrentVersion returns the highest version appended for
	// aggregateID, or 0 if none exists.
	CurrentVersion(ctx context.Context, q Querier, aggregateID string) (uint64, error)

	// SaveSnapshot upserts the snapshot for its AggregateID.
	SaveSnapshot(ctx context.Context, tx *sql.Tx, snap Snapshot) error

	// LoadSnapshot returns the most recent snapshot for aggregateID, or
	// coreerr.NotFoundError if none exists.
	LoadSnapshot(ctx context.Context, q Querier, aggregateID string) (Snapshot, error)

	// AppendOutbox inserts a pending outbox row in the same transaction
	// as the event(s) that produced it.
	AppendOutbox(ctx context.Context, tx *sql.Tx, entry OutboxEntry) error

	// GetOutbox loads a single outbox row by id, or coreerr.NotFoundError.
	GetOutbox(ctx context.Context, q Querier, id string) (OutboxEntry, error)

	// MarkDispatched flips a pending (or stale-dispatched, for the
	// sweeper's republish path) row to dispatched and bumps its attempt
	// counter, returning the new attempt count.
	MarkDispatched(ctx context.Context, tx *sql.Tx, id string) (uint32, error)

	// ClaimPending selects up to limit pending outbox rows and marks them
	// dispatched, atomically, for the dispatcher's fetch-and-claim step.
	ClaimPending(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEntry, error)

	// MarkProcessed marks an outbox row fully processed.
	MarkProcessed(ctx context.Context, tx *sql.Tx, outboxID string) error

	// RevertToPending moves a dispatched row back to pending, used by the
	// dispatcher's catch-up pass when republishing a claimed row fails.
	RevertToPending(ctx context.Context, tx *sql.Tx, outboxID string) error

	// StalePending returns pending rows older than olderThan.
	StalePending(ctx context.Context, q Querier, olderThan time.Time, limit int) ([]OutboxEntry, error)

	// StaleDispatched returns dispatched rows whose DispatchedAt is older
	// than olderThan.
	StaleDispatched(ctx context.Context, q Querier, olderThan time.Time, limit int) ([]OutboxEntry, error)

	// PollableOutbox returns outbox rows the Poller should attempt:
	// freshly pending rows, plus rows with at least one handler lane in
	// ProcessingFailed whose NextRetryAt has elapsed.
	PollableOutbox(ctx context.Context, q Querier, now time.Time, limit int) ([]OutboxEntry, error)

	// DeleteOutbox removes an outbox row once every handler lane for it
	// has completed.
	DeleteOutbox(ctx context.Context, tx *sql.Tx, outboxID string) error

	// CountIncompleteHandlers returns how many ProcessingRow lanes for
	// outboxID are not yet completed.
	CountIncompleteHandlers(ctx context.Context, q Querier, outboxID string) (int, error)

	// IncrementAttempts bumps an outbox row's attempt counter and returns
	// the new count.
	IncrementAttempts(ctx context.Context, tx *sql.Tx, outboxID string) (uint32, error)

	// MoveToUndeliverable records entry in the undeliverable DLQ and
	// removes it from the live outbox table.
	MoveToUndeliverable(ctx context.Context, tx *sql.Tx, entry OutboxEntry, lastErr string) error

	// UpsertProcessingRow inserts or updates a handler's processing lane
	// for an outbox row.
	UpsertProcessingRow(ctx context.Context, tx *sql.Tx, row ProcessingRow) error

	// GetProcessingRow returns the current lane for (outboxID, handlerID), or
	// coreerr.NotFoundError if none exists yet.
	GetProcessingRow(ctx context.Context, q Querier, outboxID, handlerID string) (ProcessingRow, error)

	// MoveToUnprocessable records entry in the unprocessable DLQ, the
	// outbox-row-level rollup view of a message the Poller could not
	// fully process (any of its handlers gave up).
	MoveToUnprocessable(ctx context.Context, tx *sql.Tx, entry DLQEntry) error

	// MoveToHandlerDLQ records entry in outbox_dlq, the Poller's
	// per-(outboxId, handlerId) terminal record, preserving which
	// handler failed and its final retry count alongside the row-level
	// MoveToUnprocessable rollup.
	MoveToHandlerDLQ(ctx context.Context, tx *sql.Tx, entry HandlerDLQEntry) error

	// HandlerDLQCount returns the number of rows parked in outbox_dlq.
	HandlerDLQCount(ctx context.Context, q Querier) (int, error)

	// ReadHandlerDLQ pages through outbox_dlq, ordered oldest-first.
	ReadHandlerDLQ(ctx context.Context, q Querier, offset, limit int) ([]HandlerDLQEntry, error)

	// DeleteHandlerDLQEntry removes a single (outboxId, handlerId) row
	// from outbox_dlq.
	DeleteHandlerDLQEntry(ctx context.Context, tx *sql.Tx, outboxID, handlerID string) error

	// ClearHandlerDLQ truncates outbox_dlq.
	ClearHandlerDLQ(ctx context.Context, tx *sql.Tx) error

	// DLQCount returns the number of rows in the named DLQ table
	// ("unprocessable" or "undeliverable").
	DLQCount(ctx context.Context, q Querier, which string) (int, error)

	// ReadDLQ pages through the named DLQ table, ordered oldest-first.
	ReadDLQ(ctx context.Context, q Querier, which string, offset, limit int) ([]DLQEntry, error)

	// DeleteDLQEntry removes a single row from the named DLQ table.
	DeleteDLQEntry(ctx context.Context, tx *sql.Tx, which, outboxID string) error

	// ClearDLQ truncates the named DLQ table.
	ClearDLQ(ctx context.Context, tx *sql.Tx, which string) error

	// DB exposes the underlying handle so callers (the batcher, the unit
	// of work) can open transactions and savepoints.
	DB() *sql.DB

	// Close releases the underlying connection pool.
	Close() error
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting read paths run
// either standalone or nested inside an in-flight transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func dlqTable(which string) (string, error) {
	switch which {
	case "unprocessable":
		return "unprocessable_messages_dlq", nil
	case "undeliverable":
		return "undeliverable_messages_dlq", nil
	default:
		return "", coreerr.ValidationError{Message: "unknown DLQ: " + which}
	}
}
