package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/coordinator"
	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/transport"
)

func newTestCoordinator(t *testing.T, group string, partitions uint32) *coordinator.Coordinator {
	t.Helper()

	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := transport.NewWithClient(raw, &mlog.NoneLogger{})

	return coordinator.New(client, group, partitions, time.Minute, &mlog.NoneLogger{})
}

func TestHeartbeatLoop_StartPopulatesResolverFromAssignment(t *testing.T) {
	coord := newTestCoordinator(t, "orders", 4)
	resolver := NewPartitionResolver("orders.events")
	loop := NewHeartbeatLoop(coord, "consumer-a", time.Hour, resolver, &mlog.NoneLogger{})

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Shutdown()

	keys := resolver.Resolve()
	assert.Len(t, keys, 4)
	assert.Contains(t, keys, transport.PartitionStreamKey("orders.events", 0))
}

func TestHeartbeatLoop_ShutdownRemovesConsumer(t *testing.T) {
	coord := newTestCoordinator(t, "orders", 4)
	resolverA := NewPartitionResolver("orders.events")
	loopA := NewHeartbeatLoop(coord, "consumer-a", time.Hour, resolverA, &mlog.NoneLogger{})
	require.NoError(t, loopA.Start(context.Background()))

	resolverB := NewPartitionResolver("orders.events")
	loopB := NewHeartbeatLoop(coord, "consumer-b", time.Hour, resolverB, &mlog.NoneLogger{})
	require.NoError(t, loopB.Start(context.Background()))

	loopA.tick(context.Background())

	assert.Len(t, resolverA.Resolve(), 2)
	assert.Len(t, resolverB.Resolve(), 2)

	loopB.Shutdown()

	loopA.tick(context.Background())

	assert.Len(t, resolverA.Resolve(), 4)
}
