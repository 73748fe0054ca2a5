package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []eventstore.OutboxEntry
	failNext  bool
}

func (f *fakePublisher) Publish(ctx context.Context, streamName string, entry eventstore.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		return assert.AnError
	}

	f.published = append(f.published, entry)

	return nil
}

func newStoreWithPendingRow(t *testing.T, id string) eventstore.Store {
	t.Helper()

	store, err := eventstore.OpenPortable(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(context.Background(), tx, eventstore.OutboxEntry{
		ID: id, StreamName: "orders.events", Event: []byte("evt"), CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit())

	return store
}

func TestDispatcher_PublishesAndMarksDispatched(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-1")
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, time.Minute, 100)

	require.NoError(t, d.DispatchOne(context.Background(), "ob-1"))

	row, err := store.GetOutbox(context.Background(), store.DB(), "ob-1")
	require.NoError(t, err)
	assert.Equal(t, eventstore.OutboxDispatched, row.Status)
	assert.Equal(t, uint32(1), row.Attempts)
	assert.Len(t, pub.published, 1)
}

func TestDispatcher_PublishFailureLeavesRowPending(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-2")
	pub := &fakePublisher{failNext: true}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, time.Minute, 100)

	require.NoError(t, d.DispatchOne(context.Background(), "ob-2"))

	row, err := store.GetOutbox(context.Background(), store.DB(), "ob-2")
	require.NoError(t, err)
	assert.Equal(t, eventstore.OutboxPending, row.Status)
	assert.Equal(t, uint32(0), row.Attempts)
}

func TestDispatcher_NonPendingRowIsNoop(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-3")
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, time.Minute, 100)

	require.NoError(t, d.DispatchOne(context.Background(), "ob-3"))
	require.NoError(t, d.DispatchOne(context.Background(), "ob-3"))

	assert.Len(t, pub.published, 1)
}

func TestDispatcher_DispatchPendingClaimsAndPublishes(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-4")
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, time.Minute, 100)

	require.NoError(t, d.DispatchPending(context.Background(), 10))

	row, err := store.GetOutbox(context.Background(), store.DB(), "ob-4")
	require.NoError(t, err)
	assert.Equal(t, eventstore.OutboxDispatched, row.Status)
	assert.Equal(t, uint32(1), row.Attempts)
	assert.Len(t, pub.published, 1)
}

func TestDispatcher_DispatchPendingRevertsOnPublishFailure(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-5")
	pub := &fakePublisher{failNext: true}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, time.Minute, 100)

	require.NoError(t, d.DispatchPending(context.Background(), 10))

	row, err := store.GetOutbox(context.Background(), store.DB(), "ob-5")
	require.NoError(t, err)
	assert.Equal(t, eventstore.OutboxPending, row.Status)
	assert.Empty(t, pub.published)
}

func TestDispatcher_StartRunsCatchupLoop(t *testing.T) {
	store := newStoreWithPendingRow(t, "ob-6")
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, &mlog.NoneLogger{}, nil, 5*time.Millisecond, 10)

	require.NoError(t, d.Start(context.Background()))
	defer d.Shutdown()

	require.Eventually(t, func() bool {
		row, err := store.GetOutbox(context.Background(), store.DB(), "ob-6")
		require.NoError(t, err)
		return row.Status == eventstore.OutboxDispatched
	}, time.Second, 5*time.Millisecond)
}
