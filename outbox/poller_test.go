package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

type fakeHandler struct {
	id      string
	results chan error
	calls   int
}

func (h *fakeHandler) HandlerID() string { return h.id }

func (h *fakeHandler) Handle(ctx context.Context, entry eventstore.OutboxEntry) error {
	h.calls++

	select {
	case err := <-h.results:
		return err
	default:
		return nil
	}
}

func newPollerStore(t *testing.T, id, eventType string) eventstore.Store {
	t.Helper()

	store, err := eventstore.OpenPortable(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendOutbox(context.Background(), tx, eventstore.OutboxEntry{
		ID: id, StreamName: eventType, Event: []byte("evt"), CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit())

	return store
}

func TestPoller_SuccessfulHandlerDeletesOutboxRow(t *testing.T) {
	store := newPollerStore(t, "ob-1", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)
	h := &fakeHandler{id: "projector", results: make(chan error, 1)}
	p.RegisterHandler("order.created", h)

	p.Poll(context.Background())

	_, err := store.GetOutbox(context.Background(), store.DB(), "ob-1")
	assert.Error(t, err)
	assert.Equal(t, 1, h.calls)
}

func TestPoller_TransientFailureSchedulesRetry(t *testing.T) {
	store := newPollerStore(t, "ob-2", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)
	h := &fakeHandler{id: "projector", results: make(chan error, 1)}
	h.results <- coreerr.TransientError{Op: "projector", Err: assert.AnError}
	p.RegisterHandler("order.created", h)

	p.Poll(context.Background())

	row, err := store.GetProcessingRow(context.Background(), store.DB(), "ob-2", "projector")
	require.NoError(t, err)
	assert.Equal(t, eventstore.ProcessingFailed, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)

	// The outbox row still exists (not all handlers completed).
	_, err = store.GetOutbox(context.Background(), store.DB(), "ob-2")
	assert.NoError(t, err)
}

func TestPoller_PermanentFailureMovesToUnprocessableDLQ(t *testing.T) {
	store := newPollerStore(t, "ob-3", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)
	h := &fakeHandler{id: "projector", results: make(chan error, 1)}
	h.results <- coreerr.PermanentError{Op: "projector", Err: assert.AnError}
	p.RegisterHandler("order.created", h)

	p.Poll(context.Background())

	count, err := store.DLQCount(context.Background(), store.DB(), "unprocessable")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	handlerCount, err := store.HandlerDLQCount(context.Background(), store.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, handlerCount)

	entries, err := store.ReadHandlerDLQ(context.Background(), store.DB(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ob-3", entries[0].OutboxID)
	assert.Equal(t, "projector", entries[0].HandlerID)

	_, err = store.GetOutbox(context.Background(), store.DB(), "ob-3")
	assert.Error(t, err)
}

func TestPoller_PermanentFailuresFromDistinctHandlersEachKeepTheirOwnDLQLane(t *testing.T) {
	store := newPollerStore(t, "ob-4", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)

	projector := &fakeHandler{id: "projector", results: make(chan error, 1)}
	projector.results <- coreerr.PermanentError{Op: "projector", Err: assert.AnError}
	notifier := &fakeHandler{id: "notifier", results: make(chan error, 1)}
	notifier.results <- coreerr.PermanentError{Op: "notifier", Err: assert.AnError}

	p.RegisterHandler("order.created", projector)
	p.RegisterHandler("order.created", notifier)

	p.Poll(context.Background())

	handlerCount, err := store.HandlerDLQCount(context.Background(), store.DB())
	require.NoError(t, err)
	assert.Equal(t, 2, handlerCount)

	entries, err := store.ReadHandlerDLQ(context.Background(), store.DB(), 0, 10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.HandlerID] = true
	}
	assert.True(t, ids["projector"])
	assert.True(t, ids["notifier"])
}

func TestPoller_SuccessfulMockHandlerDeletesOutboxRow(t *testing.T) {
	store := newPollerStore(t, "ob-5", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)

	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	h.EXPECT().HandlerID().Return("projector").AnyTimes()
	h.EXPECT().Handle(gomock.Any(), gomock.Any()).Return(nil)

	p.RegisterHandler("order.created", h)
	p.Poll(context.Background())

	_, err := store.GetOutbox(context.Background(), store.DB(), "ob-5")
	assert.Error(t, err)
}

func TestPoller_MockHandlerPermanentFailureMovesToHandlerDLQ(t *testing.T) {
	store := newPollerStore(t, "ob-6", "order.created")
	p := NewPoller(store, &mlog.NoneLogger{}, nil, time.Hour, 50, 2, time.Second, 5)

	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	h.EXPECT().HandlerID().Return("projector").AnyTimes()
	h.EXPECT().Handle(gomock.Any(), gomock.Any()).Return(coreerr.PermanentError{Op: "projector", Err: assert.AnError})

	p.RegisterHandler("order.created", h)
	p.Poll(context.Background())

	entries, err := store.ReadHandlerDLQ(context.Background(), store.DB(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ob-6", entries[0].OutboxID)
	assert.Equal(t, "projector", entries[0].HandlerID)
}
