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

func newTestCoordinator(t *testing.T, group string, partitions uint32) *Coordinator {
	t.Helper()

	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := transport.NewWithClient(raw, &mlog.NoneLogger{})

	return New(client, group, partitions, time.Minute, &mlog.NoneLogger{})
}

func TestRegisterConsumer_SoleMemberGetsAllPartitions(t *testing.T) {
	c := newTestCoordinator(t, "orders", 4)

	assignment, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, assignment.Partitions)
	assert.Equal(t, uint64(1), assignment.Generation)
}

func TestRegisterConsumer_SecondMemberSplitsPartitions(t *testing.T) {
	c := newTestCoordinator(t, "orders", 4)

	_, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)

	assignB, err := c.RegisterConsumer(context.Background(), "consumer-b")
	require.NoError(t, err)
	assert.Len(t, assignB.Partitions, 2)

	assignA, err := c.GetAssignedPartitions(context.Background(), "consumer-a")
	require.NoError(t, err)
	assert.Len(t, assignA.Partitions, 2)

	seen := map[uint32]bool{}
	for _, p := range append(assignA.Partitions, assignB.Partitions...) {
		seen[p] = true
	}
	assert.Len(t, seen, 4)
}

func TestRegisterConsumer_StickyAcrossRebalance(t *testing.T) {
	c := newTestCoordinator(t, "orders", 4)

	_, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	assignB1, err := c.RegisterConsumer(context.Background(), "consumer-b")
	require.NoError(t, err)

	// consumer-a re-registers (e.g. a heartbeat refresh triggering another
	// rebalance); consumer-b's previously assigned partitions should be
	// retained.
	assignA2, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)

	original, err := c.GetAssignedPartitions(context.Background(), "consumer-b")
	require.NoError(t, err)
	assert.ElementsMatch(t, assignB1.Partitions, original.Partitions)
	assert.NotEmpty(t, assignA2.Partitions)
}

func TestRemoveConsumer_ReassignsItsPartitions(t *testing.T) {
	c := newTestCoordinator(t, "orders", 4)

	_, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	_, err = c.RegisterConsumer(context.Background(), "consumer-b")
	require.NoError(t, err)

	require.NoError(t, c.RemoveConsumer(context.Background(), "consumer-b"))

	assignA, err := c.GetAssignedPartitions(context.Background(), "consumer-a")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, assignA.Partitions)
}

func TestRegisterConsumer_MoreMembersThanPartitionsLeavesSomeEmpty(t *testing.T) {
	c := newTestCoordinator(t, "orders", 2)

	_, err := c.RegisterConsumer(context.Background(), "consumer-a")
	require.NoError(t, err)
	_, err = c.RegisterConsumer(context.Background(), "consumer-b")
	require.NoError(t, err)
	assignC, err := c.RegisterConsumer(context.Background(), "consumer-c")
	require.NoError(t, err)

	assert.Empty(t, assignC.Partitions)
}
