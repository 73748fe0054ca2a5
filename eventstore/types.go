package eventstore

import "time"

// OutboxStatus is the lifecycle state of an OutboxEntry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxProcessed  OutboxStatus = "processed"
)

// ProcessingStatus is the per-(outboxId, handlerId) lane state.
type ProcessingStatus string

const (
	ProcessingInFlight ProcessingStatus = "in-flight"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Event is an immutable fact appended under an aggregate at a specific
// version. Uniquely identified by (AggregateID, Version).
type Event struct {
	EventName     string
	AggregateID   string
	AggregateType string
	Version       uint64
	CorrelationID string
	OccurredAt    time.Time
	Payload       []byte
}

// Snapshot caches an aggregate's latest state. An optimization — never the
// source of truth.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	CorrelationID string
	Version       uint64
	Payload       []byte
}

// OutboxEntry is created in the same local transaction that appends the
// event it carries.
type OutboxEntry struct {
	ID           string
	StreamName   string
	Event        []byte
	Status       OutboxStatus
	Attempts     uint32
	CreatedAt    time.Time
	DispatchedAt *time.Time
	ProcessedAt  *time.Time
}

// ProcessingRow tracks one handler's retry lane for one outbox row.
type ProcessingRow struct {
	OutboxID    string
	HandlerID   string
	Status      ProcessingStatus
	RetryCount  int
	NextRetryAt *time.Time
}

// DLQEntry is a terminal record: either undeliverable (exhausted dispatch
// attempts) or unprocessable (exhausted consumer processing attempts).
type DLQEntry struct {
	OutboxID   string
	StreamName string
	Event      []byte
	Attempts   uint32
	LastError  string
	CreatedAt  time.Time
}

// HandlerDLQEntry is the Poller's per-handler terminal record (spec.md
// §4.11/§6's outbox_dlq): unlike DLQEntry it is keyed by (outboxId,
// handlerId), so two handlers permanently failing on the same outbox row
// each keep their own record instead of one overwriting the other.
type HandlerDLQEntry struct {
	OutboxID        string
	HandlerID       string
	ErrorMessage    string
	FinalRetryCount int
	CreatedAt       time.Time
}
