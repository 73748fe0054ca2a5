package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

func TestSweeper_RecoversStalePendingRow(t *testing.T) {
	store, err := eventstore.OpenPortable(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(context.Background(), tx, eventstore.OutboxEntry{
		ID: "ob-1", StreamName: "orders.events", Event: []byte("evt"), CreatedAt: time.Now().Add(-61 * time.Second),
	}))
	require.NoError(t, tx.Commit())

	pub := &fakePublisher{}
	s := NewSweeper(store, pub, &mlog.NoneLogger{}, nil, 60*time.Second, 60*time.Second, time.Hour, 10)

	s.Sweep(context.Background())

	row, err := store.GetOutbox(context.Background(), store.DB(), "ob-1")
	require.NoError(t, err)
	assert.Equal(t, eventstore.OutboxDispatched, row.Status)
	assert.Equal(t, uint32(1), row.Attempts)
	assert.Len(t, pub.published, 1)
}

func TestSweeper_ExhaustedAttemptsMovesToUndeliverable(t *testing.T) {
	store, err := eventstore.OpenPortable(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(context.Background(), tx, eventstore.OutboxEntry{
		ID: "ob-2", StreamName: "orders.events", Event: []byte("evt"), CreatedAt: time.Now().Add(-61 * time.Second),
	}))
	require.NoError(t, tx.Commit())

	// Drive attempts to the max via repeated MarkDispatched calls.
	for i := 0; i < 10; i++ {
		tx, err := store.DB().BeginTx(context.Background(), nil)
		require.NoError(t, err)
		_, err = store.MarkDispatched(context.Background(), tx, "ob-2")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}

	// Revert to pending so the sweeper's stale-pending scan picks it up
	// again with attempts already at the max.
	tx2, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.RevertToPending(context.Background(), tx2, "ob-2"))
	require.NoError(t, tx2.Commit())

	_, err = store.DB().ExecContext(context.Background(), `UPDATE outbox SET created_at = ? WHERE id = ?`,
		time.Now().Add(-61*time.Second).UnixNano(), "ob-2")
	require.NoError(t, err)

	pub := &fakePublisher{}
	s := NewSweeper(store, pub, &mlog.NoneLogger{}, nil, 60*time.Second, 60*time.Second, time.Hour, 10)

	s.Sweep(context.Background())

	count, err := store.DLQCount(context.Background(), store.DB(), "undeliverable")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.GetOutbox(context.Background(), store.DB(), "ob-2")
	assert.Error(t, err)
}

func TestSweeper_SecondSweepWithNoArrivalsIsNoop(t *testing.T) {
	store, err := eventstore.OpenPortable(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := &fakePublisher{}
	s := NewSweeper(store, pub, &mlog.NoneLogger{}, nil, 60*time.Second, 60*time.Second, time.Hour, 10)

	s.Sweep(context.Background())
	s.Sweep(context.Background())

	assert.Empty(t, pub.published)
}
