package transport

import (
	"context"
	"hash/fnv"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
)

// StreamPublisher appends outbox rows onto partitioned Redis streams
// (spec.md §6: `{streamName}:{partition}`), satisfying
// outbox.Publisher structurally.
type StreamPublisher struct {
	client         *Client
	partitionCount int
	maxLen         int64
}

func NewStreamPublisher(client *Client, partitionCount int, maxLen int64) *StreamPublisher {
	if partitionCount <= 0 {
		partitionCount = 1
	}

	if maxLen <= 0 {
		maxLen = 10000
	}

	return &StreamPublisher{client: client, partitionCount: partitionCount, maxLen: maxLen}
}

// Publish appends entry's {outboxId, type, payload} onto the partition its
// id hashes to.
func (p *StreamPublisher) Publish(ctx context.Context, streamName string, entry eventstore.OutboxEntry) error {
	key := PartitionStreamKey(streamName, p.PartitionFor(entry.ID))

	_, err := p.client.Do(ctx, func(ctx context.Context) (any, error) {
		return p.client.Raw().XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"outboxId": entry.ID,
				"type":     entry.StreamName,
				"payload":  entry.Event,
			},
		}).Result()
	})
	if err != nil {
		return coreerr.TransientError{Op: "transport.Publish", Err: err}
	}

	return nil
}

// PartitionFor deterministically maps an outbox id to one of the
// publisher's partitions.
func (p *StreamPublisher) PartitionFor(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))

	return int(h.Sum32() % uint32(p.partitionCount))
}

// Partitions returns the full partition count, for resolvers that need to
// enumerate every partition stream key for a logical stream name.
func (p *StreamPublisher) Partitions() int {
	return p.partitionCount
}
