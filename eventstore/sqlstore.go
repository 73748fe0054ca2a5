package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/slapcommerce/core/coreerr"
)

// sqlStore is the Store implementation shared by both embedded engines —
// the SQL dialect used here is the ANSI subset both mattn/go-sqlite3 and
// modernc.org/sqlite support identically, so one implementation serves
// both drivers; only connection setup differs between them.
type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) DB() *sql.DB { return s.db }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) AppendEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	current, err := s.CurrentVersion(ctx, tx, ev.AggregateID)
	if err != nil {
		return err
	}

	if ev.Version != current+1 {
		return coreerr.VersionConflictError{AggregateID: ev.AggregateID, Expected: current + 1, Actual: ev.Version}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (aggregate_id, version, event_type, correlation_id, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.AggregateID, ev.Version, ev.EventName, ev.CorrelationID, ev.OccurredAt.UTC().UnixNano(), ev.Payload)

	return err
}

func (s *sqlStore) EventsAfter(ctx context.Context, q Querier, aggregateID string, afterVersion uint64) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT aggregate_id, version, event_type, correlation_id, occurred_at, payload
		FROM events WHERE aggregate_id = ? AND version > ? ORDER BY version ASC`,
		aggregateID, afterVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event

	for rows.Next() {
		var (
			ev        Event
			corr      sql.NullString
			occurredN int64
		)

		if err := rows.Scan(&ev.AggregateID, &ev.Version, &ev.EventName, &corr, &occurredN, &ev.Payload); err != nil {
			return nil, err
		}

		ev.CorrelationID = corr.String
		ev.OccurredAt = time.Unix(0, occurredN).UTC()
		out = append(out, ev)
	}

	return out, rows.Err()
}

func (s *sqlStore) CurrentVersion(ctx context.Context, q Querier, aggregateID string) (uint64, error) {
	var version sql.NullInt64

	row := q.QueryRowContext(ctx, `SELECT MAX(version) FROM events WHERE aggregate_id = ?`, aggregateID)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}

	if !version.Valid {
		return 0, nil
	}

	return uint64(version.Int64), nil
}

func (s *sqlStore) SaveSnapshot(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, correlation_id, version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			correlation_id = excluded.correlation_id,
			version = excluded.version,
			payload = excluded.payload`,
		snap.AggregateID, snap.AggregateType, snap.CorrelationID, snap.Version, snap.Payload)

	return err
}

func (s *sqlStore) LoadSnapshot(ctx context.Context, q Querier, aggregateID string) (Snapshot, error) {
	var (
		snap Snapshot
		corr sql.NullString
	)

	row := q.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, correlation_id, version, payload
		FROM snapshots WHERE aggregate_id = ?`, aggregateID)

	err := row.Scan(&snap.AggregateID, &snap.AggregateType, &corr, &snap.Version, &snap.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, coreerr.NotFoundError{EntityType: "snapshot", ID: aggregateID}
	}
	if err != nil {
		return Snapshot{}, err
	}

	snap.CorrelationID = corr.String

	return snap, nil
}

func (s *sqlStore) AppendOutbox(ctx context.Context, tx *sql.Tx, entry OutboxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, stream_name, status, event, attempts, created_at, dispatched_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		entry.ID, entry.StreamName, OutboxPending, entry.Event, 0, entry.CreatedAt.UTC().UnixNano())

	return err
}

func (s *sqlStore) GetOutbox(ctx context.Context, q Querier, id string) (OutboxEntry, error) {
	var (
		e                       OutboxEntry
		createdN                int64
		dispatchedN, processedN sql.NullInt64
	)

	row := q.QueryRowContext(ctx, `
		SELECT id, stream_name, status, event, attempts, created_at, dispatched_at, processed_at
		FROM outbox WHERE id = ?`, id)

	err := row.Scan(&e.ID, &e.StreamName, &e.Status, &e.Event, &e.Attempts, &createdN, &dispatchedN, &processedN)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, coreerr.NotFoundError{EntityType: "outbox", ID: id}
	}
	if err != nil {
		return OutboxEntry{}, err
	}

	e.CreatedAt = time.Unix(0, createdN).UTC()
	if dispatchedN.Valid {
		t := time.Unix(0, dispatchedN.Int64).UTC()
		e.DispatchedAt = &t
	}
	if processedN.Valid {
		t := time.Unix(0, processedN.Int64).UTC()
		e.ProcessedAt = &t
	}

	return e, nil
}

func (s *sqlStore) MarkDispatched(ctx context.Context, tx *sql.Tx, id string) (uint32, error) {
	now := time.Now().UTC().UnixNano()

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, dispatched_at = ?, attempts = attempts + 1 WHERE id = ?`,
		OutboxDispatched, now, id); err != nil {
		return 0, err
	}

	var attempts uint32
	row := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, id)
	if err := row.Scan(&attempts); err != nil {
		return 0, err
	}

	return attempts, nil
}

func (s *sqlStore) ClaimPending(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, stream_name, event, attempts, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC LIMIT ?`, OutboxPending, limit)
	if err != nil {
		return nil, err
	}

	var claimed []OutboxEntry

	for rows.Next() {
		var (
			e         OutboxEntry
			createdN  int64
		)

		if err := rows.Scan(&e.ID, &e.StreamName, &e.Event, &e.Attempts, &createdN); err != nil {
			rows.Close()
			return nil, err
		}

		e.CreatedAt = time.Unix(0, createdN).UTC()
		e.Status = OutboxDispatched
		claimed = append(claimed, e)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now().UTC().UnixNano()

	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = ?, dispatched_at = ? WHERE id = ?`,
			OutboxDispatched, now, e.ID); err != nil {
			return nil, err
		}
	}

	return claimed, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, tx *sql.Tx, outboxID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, processed_at = ? WHERE id = ?`,
		OutboxProcessed, time.Now().UTC().UnixNano(), outboxID)

	return err
}

func (s *sqlStore) RevertToPending(ctx context.Context, tx *sql.Tx, outboxID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, dispatched_at = NULL WHERE id = ?`,
		OutboxPending, outboxID)

	return err
}

func (s *sqlStore) StalePending(ctx context.Context, q Querier, olderThan time.Time, limit int) ([]OutboxEntry, error) {
	return s.scanOutboxByStatusAndAge(ctx, q, OutboxPending, "created_at", olderThan, limit)
}

func (s *sqlStore) StaleDispatched(ctx context.Context, q Querier, olderThan time.Time, limit int) ([]OutboxEntry, error) {
	return s.scanOutboxByStatusAndAge(ctx, q, OutboxDispatched, "dispatched_at", olderThan, limit)
}

func (s *sqlStore) scanOutboxByStatusAndAge(ctx context.Context, q Querier, status OutboxStatus, col string, olderThan time.Time, limit int) ([]OutboxEntry, error) {
	query := `SELECT id, stream_name, event, attempts, created_at, dispatched_at, processed_at
		FROM outbox WHERE status = ? AND ` + col + ` < ? ORDER BY ` + col + ` ASC LIMIT ?`

	rows, err := q.QueryContext(ctx, query, status, olderThan.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry

	for rows.Next() {
		var (
			e                      OutboxEntry
			createdN               int64
			dispatchedN, processedN sql.NullInt64
		)

		if err := rows.Scan(&e.ID, &e.StreamName, &e.Event, &e.Attempts, &createdN, &dispatchedN, &processedN); err != nil {
			return nil, err
		}

		e.Status = status
		e.CreatedAt = time.Unix(0, createdN).UTC()
		if dispatchedN.Valid {
			t := time.Unix(0, dispatchedN.Int64).UTC()
			e.DispatchedAt = &t
		}
		if processedN.Valid {
			t := time.Unix(0, processedN.Int64).UTC()
			e.ProcessedAt = &t
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *sqlStore) PollableOutbox(ctx context.Context, q Querier, now time.Time, limit int) ([]OutboxEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT o.id, o.stream_name, o.status, o.event, o.attempts, o.created_at, o.dispatched_at, o.processed_at
		FROM outbox o
		LEFT JOIN outbox_processing p ON p.outbox_id = o.id AND p.status = ? AND (p.next_retry_at IS NULL OR p.next_retry_at <= ?)
		WHERE o.status = ? OR p.outbox_id IS NOT NULL
		ORDER BY o.created_at ASC
		LIMIT ?`,
		ProcessingFailed, now.UTC().UnixNano(), OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry

	for rows.Next() {
		var (
			e                       OutboxEntry
			status                  string
			createdN                int64
			dispatchedN, processedN sql.NullInt64
		)

		if err := rows.Scan(&e.ID, &e.StreamName, &status, &e.Event, &e.Attempts, &createdN, &dispatchedN, &processedN); err != nil {
			return nil, err
		}

		e.Status = OutboxStatus(status)
		e.CreatedAt = time.Unix(0, createdN).UTC()
		if dispatchedN.Valid {
			t := time.Unix(0, dispatchedN.Int64).UTC()
			e.DispatchedAt = &t
		}
		if processedN.Valid {
			t := time.Unix(0, processedN.Int64).UTC()
			e.ProcessedAt = &t
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *sqlStore) DeleteOutbox(ctx context.Context, tx *sql.Tx, outboxID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, outboxID)
	return err
}

func (s *sqlStore) CountIncompleteHandlers(ctx context.Context, q Querier, outboxID string) (int, error) {
	var count int

	row := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_processing WHERE outbox_id = ? AND status != ?`,
		outboxID, ProcessingCompleted)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *sqlStore) IncrementAttempts(ctx context.Context, tx *sql.Tx, outboxID string) (uint32, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, outboxID); err != nil {
		return 0, err
	}

	var attempts uint32
	row := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, outboxID)
	if err := row.Scan(&attempts); err != nil {
		return 0, err
	}

	return attempts, nil
}

func (s *sqlStore) MoveToUndeliverable(ctx context.Context, tx *sql.Tx, entry OutboxEntry, lastErr string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO undeliverable_messages_dlq (outbox_id, stream_name, event, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (outbox_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error`,
		entry.ID, entry.StreamName, entry.Event, entry.Attempts, lastErr, time.Now().UTC().UnixNano())
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, entry.ID)

	return err
}

func (s *sqlStore) UpsertProcessingRow(ctx context.Context, tx *sql.Tx, row ProcessingRow) error {
	var nextRetry sql.NullInt64
	if row.NextRetryAt != nil {
		nextRetry = sql.NullInt64{Int64: row.NextRetryAt.UTC().UnixNano(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_processing (outbox_id, handler_id, status, retry_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (outbox_id, handler_id) DO UPDATE SET
			status = excluded.status, retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at`,
		row.OutboxID, row.HandlerID, row.Status, row.RetryCount, nextRetry)

	return err
}

func (s *sqlStore) GetProcessingRow(ctx context.Context, q Querier, outboxID, handlerID string) (ProcessingRow, error) {
	var (
		row       ProcessingRow
		nextRetry sql.NullInt64
	)

	r := q.QueryRowContext(ctx, `
		SELECT outbox_id, handler_id, status, retry_count, next_retry_at
		FROM outbox_processing WHERE outbox_id = ? AND handler_id = ?`, outboxID, handlerID)

	err := r.Scan(&row.OutboxID, &row.HandlerID, &row.Status, &row.RetryCount, &nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingRow{}, coreerr.NotFoundError{EntityType: "outbox_processing", ID: outboxID + "/" + handlerID}
	}
	if err != nil {
		return ProcessingRow{}, err
	}

	if nextRetry.Valid {
		t := time.Unix(0, nextRetry.Int64).UTC()
		row.NextRetryAt = &t
	}

	return row, nil
}

func (s *sqlStore) MoveToUnprocessable(ctx context.Context, tx *sql.Tx, entry DLQEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO unprocessable_messages_dlq (outbox_id, stream_name, event, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (outbox_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error`,
		entry.OutboxID, entry.StreamName, entry.Event, entry.Attempts, entry.LastError, time.Now().UTC().UnixNano())

	return err
}

func (s *sqlStore) MoveToHandlerDLQ(ctx context.Context, tx *sql.Tx, entry HandlerDLQEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_dlq (outbox_id, handler_id, error_message, final_retry_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (outbox_id, handler_id) DO UPDATE SET
			error_message = excluded.error_message, final_retry_count = excluded.final_retry_count`,
		entry.OutboxID, entry.HandlerID, entry.ErrorMessage, entry.FinalRetryCount, time.Now().UTC().UnixNano())

	return err
}

func (s *sqlStore) HandlerDLQCount(ctx context.Context, q Querier) (int, error) {
	var count int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_dlq`)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *sqlStore) ReadHandlerDLQ(ctx context.Context, q Querier, offset, limit int) ([]HandlerDLQEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT outbox_id, handler_id, error_message, final_retry_count, created_at
		FROM outbox_dlq ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HandlerDLQEntry

	for rows.Next() {
		var (
			e        HandlerDLQEntry
			createdN int64
		)

		if err := rows.Scan(&e.OutboxID, &e.HandlerID, &e.ErrorMessage, &e.FinalRetryCount, &createdN); err != nil {
			return nil, err
		}

		e.CreatedAt = time.Unix(0, createdN).UTC()
		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *sqlStore) DeleteHandlerDLQEntry(ctx context.Context, tx *sql.Tx, outboxID, handlerID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM outbox_dlq WHERE outbox_id = ? AND handler_id = ?`, outboxID, handlerID)

	return err
}

func (s *sqlStore) ClearHandlerDLQ(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM outbox_dlq`)

	return err
}

func (s *sqlStore) DLQCount(ctx context.Context, q Querier, which string) (int, error) {
	table, err := dlqTable(which)
	if err != nil {
		return 0, err
	}

	var count int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *sqlStore) ReadDLQ(ctx context.Context, q Querier, which string, offset, limit int) ([]DLQEntry, error) {
	table, err := dlqTable(which)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT outbox_id, stream_name, event, attempts, last_error, created_at
		FROM `+table+` ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DLQEntry

	for rows.Next() {
		var (
			e        DLQEntry
			createdN int64
		)

		if err := rows.Scan(&e.OutboxID, &e.StreamName, &e.Event, &e.Attempts, &e.LastError, &createdN); err != nil {
			return nil, err
		}

		e.CreatedAt = time.Unix(0, createdN).UTC()
		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *sqlStore) DeleteDLQEntry(ctx context.Context, tx *sql.Tx, which, outboxID string) error {
	table, err := dlqTable(which)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE outbox_id = ?`, outboxID)

	return err
}

func (s *sqlStore) ClearDLQ(ctx context.Context, tx *sql.Tx, which string) error {
	table, err := dlqTable(which)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM `+table)

	return err
}
