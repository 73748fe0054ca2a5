package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/transport"
)

func TestManager_ScanAllEvictsStaleAcrossGroups(t *testing.T) {
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := transport.NewWithClient(raw, &mlog.NoneLogger{})

	orders := New(client, "orders", 4, time.Minute, &mlog.NoneLogger{})
	payments := New(client, "payments", 2, time.Minute, &mlog.NoneLogger{})

	_, err := orders.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	_, err = payments.RegisterConsumer(context.Background(), "consumer-b")
	require.NoError(t, err)

	mgr := NewManager(orders, payments)
	assert.ElementsMatch(t, []string{"orders", "payments"}, mgr.Groups())

	// Rewrite both heartbeats to look like they were sent well past the
	// group's timeout, without waiting on the wall clock.
	stale := float64(time.Now().UTC().Add(-2 * time.Minute).UnixMilli())
	require.NoError(t, raw.ZAdd(context.Background(), transport.HeartbeatKey("orders"), redis.Z{Score: stale, Member: "consumer-a"}).Err())
	require.NoError(t, raw.ZAdd(context.Background(), transport.HeartbeatKey("payments"), redis.Z{Score: stale, Member: "consumer-b"}).Err())

	require.NoError(t, mgr.ScanAll(context.Background()))

	liveOrders, err := orders.liveMembers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, liveOrders)

	livePayments, err := payments.liveMembers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, livePayments)
}

func TestManager_ScanAllPreservesLiveMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := transport.NewWithClient(raw, &mlog.NoneLogger{})

	orders := New(client, "orders", 4, time.Minute, &mlog.NoneLogger{})
	_, err := orders.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)

	mgr := NewManager(orders)
	require.NoError(t, mgr.ScanAll(context.Background()))

	live, err := orders.liveMembers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"consumer-a"}, live)
}
