// Package coordinator implements consumer-group membership, heartbeats,
// and sticky partition rebalancing over the Redis transport (spec.md
// §4.9).
package coordinator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/transport"
)

// Assignment is what registerConsumer/getAssignedPartitions returns: the
// rebalance generation the partitions were assigned at, and the partition
// set itself.
type Assignment struct {
	Generation uint64
	Partitions []uint32
}

// Coordinator tracks one consumer group's membership and assignment state.
type Coordinator struct {
	client           *transport.Client
	rs               *redsync.Redsync
	group            string
	partitionCount   uint32
	heartbeatTimeout time.Duration
	lockExpiry       time.Duration
	logger           mlog.Logger
}

// New builds a Coordinator for group, distributing partitionCount
// partitions among members whose heartbeat is no older than
// heartbeatTimeout.
func New(client *transport.Client, group string, partitionCount uint32, heartbeatTimeout time.Duration, logger mlog.Logger) *Coordinator {
	pool := goredis.NewPool(client.Raw())

	return &Coordinator{
		client:           client,
		rs:               redsync.New(pool),
		group:            group,
		partitionCount:   partitionCount,
		heartbeatTimeout: heartbeatTimeout,
		lockExpiry:       heartbeatTimeout,
		logger:           logger,
	}
}

// RegisterConsumer adds consumerId's heartbeat, triggers a rebalance, and
// returns its current assignment.
func (c *Coordinator) RegisterConsumer(ctx context.Context, consumerID string) (Assignment, error) {
	if err := c.SendHeartbeat(ctx, consumerID); err != nil {
		return Assignment{}, err
	}

	if err := c.TriggerRebalance(ctx); err != nil {
		return Assignment{}, err
	}

	return c.GetAssignedPartitions(ctx, consumerID)
}

// SendHeartbeat refreshes consumerId's liveness timestamp. Idempotent.
func (c *Coordinator) SendHeartbeat(ctx context.Context, consumerID string) error {
	member := redis.Z{Score: float64(time.Now().UTC().UnixMilli()), Member: consumerID}

	_, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.client.Raw().ZAdd(ctx, transport.HeartbeatKey(c.group), member).Err()
	})

	return err
}

// GetAssignedPartitions reads consumerId's current assignment.
func (c *Coordinator) GetAssignedPartitions(ctx context.Context, consumerID string) (Assignment, error) {
	gen, err := c.currentGeneration(ctx)
	if err != nil {
		return Assignment{}, err
	}

	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().HGet(ctx, transport.AssignmentKey(c.group), consumerID).Result()
	})
	if err != nil {
		if isRedisNil(err) {
			return Assignment{Generation: gen}, nil
		}

		return Assignment{}, err
	}

	csv, _ := reply.(string)

	return Assignment{Generation: gen, Partitions: decodePartitions(csv)}, nil
}

// CheckForRebalance checks whether any live member's heartbeat has gone
// stale, or membership has changed since the last assignment, and if so
// triggers a rebalance.
func (c *Coordinator) CheckForRebalance(ctx context.Context) error {
	live, err := c.liveMembers(ctx)
	if err != nil {
		return err
	}

	assigned, err := c.currentAssignment(ctx)
	if err != nil {
		return err
	}

	if membershipChanged(live, assigned) {
		return c.TriggerRebalance(ctx)
	}

	return nil
}

// TriggerRebalance acquires the group's distributed lock, recomputes the
// sticky assignment over currently-live members, bumps the generation, and
// releases the lock.
func (c *Coordinator) TriggerRebalance(ctx context.Context) error {
	mutex := c.rs.NewMutex(transport.LockKey(c.group), redsync.WithExpiry(c.lockExpiry))

	if err := mutex.LockContext(ctx); err != nil {
		return err
	}
	defer mutex.UnlockContext(ctx) //nolint:errcheck

	live, err := c.liveMembers(ctx)
	if err != nil {
		return err
	}

	prev, err := c.currentAssignment(ctx)
	if err != nil {
		return err
	}

	next := computeAssignment(live, prev, c.partitionCount)

	if _, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		pipe := c.client.Raw().TxPipeline()
		pipe.Del(ctx, transport.AssignmentKey(c.group))

		for member, partitions := range next {
			pipe.HSet(ctx, transport.AssignmentKey(c.group), member, encodePartitions(partitions))
		}

		pipe.Incr(ctx, transport.GenerationKey(c.group))

		_, err := pipe.Exec(ctx)

		return nil, err
	}); err != nil {
		return err
	}

	c.logger.Infof("rebalanced group %s: %d members, %d partitions", c.group, len(live), c.partitionCount)

	return nil
}

// EvictStale removes heartbeat entries older than heartbeatTimeout from the
// group's liveness set and triggers a rebalance if that changed membership.
// Manager.ScanAll calls this concurrently across every group a process
// coordinates.
func (c *Coordinator) EvictStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.heartbeatTimeout)

	if _, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().ZRemRangeByScore(ctx, transport.HeartbeatKey(c.group), "-inf", strconv.FormatInt(cutoff.UnixMilli()-1, 10)).Result()
	}); err != nil {
		return err
	}

	return c.CheckForRebalance(ctx)
}

// RemoveConsumer evicts consumerId's heartbeat and assignment, then
// triggers a rebalance.
func (c *Coordinator) RemoveConsumer(ctx context.Context, consumerID string) error {
	if _, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		pipe := c.client.Raw().TxPipeline()
		pipe.ZRem(ctx, transport.HeartbeatKey(c.group), consumerID)
		pipe.HDel(ctx, transport.AssignmentKey(c.group), consumerID)
		_, err := pipe.Exec(ctx)

		return nil, err
	}); err != nil {
		return err
	}

	return c.TriggerRebalance(ctx)
}

func (c *Coordinator) currentGeneration(ctx context.Context) (uint64, error) {
	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().Get(ctx, transport.GenerationKey(c.group)).Result()
	})
	if err != nil {
		if isRedisNil(err) {
			return 0, nil
		}

		return 0, err
	}

	s, _ := reply.(string)
	n, _ := strconv.ParseUint(s, 10, 64)

	return n, nil
}

func (c *Coordinator) liveMembers(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-c.heartbeatTimeout)
	rangeBy := &redis.ZRangeBy{Min: strconv.FormatInt(cutoff.UnixMilli(), 10), Max: "+inf"}

	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().ZRangeByScore(ctx, transport.HeartbeatKey(c.group), rangeBy).Result()
	})
	if err != nil {
		return nil, err
	}

	members, _ := reply.([]string)

	return members, nil
}

func (c *Coordinator) currentAssignment(ctx context.Context) (map[string][]uint32, error) {
	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().HGetAll(ctx, transport.AssignmentKey(c.group)).Result()
	})
	if err != nil {
		return nil, err
	}

	raw, _ := reply.(map[string]string)
	out := make(map[string][]uint32, len(raw))

	for member, csv := range raw {
		out[member] = decodePartitions(csv)
	}

	return out, nil
}

func membershipChanged(live []string, assigned map[string][]uint32) bool {
	if len(live) != len(assigned) {
		return true
	}

	for _, m := range live {
		if _, ok := assigned[m]; !ok {
			return true
		}
	}

	return false
}

func encodePartitions(partitions []uint32) string {
	parts := make([]string, len(partitions))
	for i, p := range partitions {
		parts[i] = strconv.FormatUint(uint64(p), 10)
	}

	return strings.Join(parts, ",")
}

func decodePartitions(csv string) []uint32 {
	if csv == "" {
		return nil
	}

	parts := strings.Split(csv, ",")
	out := make([]uint32, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}

		out = append(out, uint32(n))
	}

	return out
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
