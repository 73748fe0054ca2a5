package eventstore

// schemaStatements is the full schema from spec.md §6, applied once at
// startup and safe to re-run (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF
// NOT EXISTS everywhere) — re-init never destroys data.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		aggregate_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		correlation_id TEXT,
		occurred_at INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (aggregate_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		correlation_id TEXT,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		stream_name TEXT NOT NULL,
		status TEXT NOT NULL,
		event BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		dispatched_at INTEGER,
		processed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_dispatched ON outbox (status, dispatched_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_processing (
		outbox_id TEXT NOT NULL,
		handler_id TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER,
		PRIMARY KEY (outbox_id, handler_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_dlq (
		outbox_id TEXT NOT NULL,
		handler_id TEXT NOT NULL,
		error_message TEXT NOT NULL,
		final_retry_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (outbox_id, handler_id)
	)`,
	`CREATE TABLE IF NOT EXISTS unprocessable_messages_dlq (
		outbox_id TEXT PRIMARY KEY,
		stream_name TEXT NOT NULL,
		event BLOB NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS undeliverable_messages_dlq (
		outbox_id TEXT PRIMARY KEY,
		stream_name TEXT NOT NULL,
		event BLOB NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}
