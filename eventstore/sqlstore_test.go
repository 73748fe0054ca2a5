package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/coreerr"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	store, err := OpenPortable(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func TestAppendEvent_SequentialVersionsSucceed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	err = store.AppendEvent(ctx, tx, Event{
		AggregateID: "order-1", Version: 1, EventName: "OrderCreated",
		OccurredAt: time.Now(), Payload: []byte("p1"),
	})
	require.NoError(t, err)

	err = store.AppendEvent(ctx, tx, Event{
		AggregateID: "order-1", Version: 2, EventName: "OrderShipped",
		OccurredAt: time.Now(), Payload: []byte("p2"),
	})
	require.NoError(t, err)

	require.NoError(t, tx.Commit())

	events, err := store.EventsAfter(ctx, store.DB(), "order-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, uint64(2), events[1].Version)
}

func TestAppendEvent_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, store.AppendEvent(ctx, tx, Event{
		AggregateID: "order-2", Version: 1, EventName: "OrderCreated",
		OccurredAt: time.Now(), Payload: []byte("p1"),
	}))
	require.NoError(t, tx.Commit())

	tx2, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()

	err = store.AppendEvent(ctx, tx2, Event{
		AggregateID: "order-2", Version: 1, EventName: "DuplicateCreate",
		OccurredAt: time.Now(), Payload: []byte("p2"),
	})

	var conflict coreerr.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(2), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Actual)
}

func TestSnapshot_SaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, store.SaveSnapshot(ctx, tx, Snapshot{
		AggregateID: "order-3", AggregateType: "Order", Version: 5, Payload: []byte("state"),
	}))
	require.NoError(t, tx.Commit())

	snap, err := store.LoadSnapshot(ctx, store.DB(), "order-3")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.Version)
	assert.Equal(t, []byte("state"), snap.Payload)

	_, err = store.LoadSnapshot(ctx, store.DB(), "missing")
	var notFound coreerr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestOutboxLifecycle_PendingToDispatchedToProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(ctx, tx, OutboxEntry{
		ID: "ob-1", StreamName: "orders.events", Event: []byte("evt"), CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit())

	tx2, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimPending(ctx, tx2, 10)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	require.Len(t, claimed, 1)
	assert.Equal(t, "ob-1", claimed[0].ID)

	tx3, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, tx3, "ob-1"))
	require.NoError(t, tx3.Commit())

	// A processed row is never re-claimed.
	tx4, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	claimedAgain, err := store.ClaimPending(ctx, tx4, 10)
	require.NoError(t, err)
	require.NoError(t, tx4.Commit())
	assert.Empty(t, claimedAgain)
}

func TestMoveToUndeliverable_RemovesFromLiveOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	entry := OutboxEntry{ID: "ob-2", StreamName: "orders.events", Event: []byte("evt"), CreatedAt: time.Now(), Attempts: 10}
	require.NoError(t, store.AppendOutbox(ctx, tx, entry))
	require.NoError(t, tx.Commit())

	tx2, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MoveToUndeliverable(ctx, tx2, entry, "dispatch exhausted"))
	require.NoError(t, tx2.Commit())

	count, err := store.DLQCount(ctx, store.DB(), "undeliverable")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entries, err := store.ReadDLQ(ctx, store.DB(), "undeliverable", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dispatch exhausted", entries[0].LastError)
}

func TestProcessingRow_UpsertAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.UpsertProcessingRow(ctx, tx, ProcessingRow{
		OutboxID: "ob-3", HandlerID: "ledger-projector", Status: ProcessingInFlight, RetryCount: 0,
	}))
	require.NoError(t, tx.Commit())

	row, err := store.GetProcessingRow(ctx, store.DB(), "ob-3", "ledger-projector")
	require.NoError(t, err)
	assert.Equal(t, ProcessingInFlight, row.Status)

	_, err = store.GetProcessingRow(ctx, store.DB(), "ob-3", "nonexistent-handler")
	var notFound coreerr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDLQ_UnknownNameRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.DLQCount(ctx, store.DB(), "bogus")
	var validationErr coreerr.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
