package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/slapcommerce/core/coordinator"
	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/transport"
)

// PartitionResolver tracks this consumer's coordinator-assigned partitions
// for one logical stream and exposes them as consumer.StreamResolver,
// re-evaluated on every read tick so a rebalance takes effect without a
// restart.
type PartitionResolver struct {
	streamName string

	mu         sync.RWMutex
	partitions []uint32
}

// NewPartitionResolver builds a resolver with no partitions assigned yet;
// call Refresh to populate it before starting a consumer against it.
func NewPartitionResolver(streamName string) *PartitionResolver {
	return &PartitionResolver{streamName: streamName}
}

// Resolve implements consumer.StreamResolver.
func (r *PartitionResolver) Resolve() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, len(r.partitions))
	for i, p := range r.partitions {
		keys[i] = transport.PartitionStreamKey(r.streamName, int(p))
	}

	return keys
}

func (r *PartitionResolver) set(partitions []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partitions = partitions
}

// HeartbeatLoop keeps one consumer's coordinator membership alive: Start
// registers it, then it sends a heartbeat every interval, refreshes the
// resolver from the latest assignment, and checks for a pending rebalance.
// On shutdown it removes the consumer so its partitions are freed
// immediately instead of waiting out the heartbeat timeout.
type HeartbeatLoop struct {
	coord      *coordinator.Coordinator
	consumerID string
	interval   time.Duration
	resolver   *PartitionResolver
	logger     mlog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewHeartbeatLoop(coord *coordinator.Coordinator, consumerID string, interval time.Duration, resolver *PartitionResolver, logger mlog.Logger) *HeartbeatLoop {
	return &HeartbeatLoop{coord: coord, consumerID: consumerID, interval: interval, resolver: resolver, logger: logger}
}

func (h *HeartbeatLoop) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}

	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	assignment, err := h.coord.RegisterConsumer(ctx, h.consumerID)
	if err != nil {
		return err
	}

	h.resolver.set(assignment.Partitions)

	go h.loop(ctx)

	return nil
}

func (h *HeartbeatLoop) Shutdown() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}

	stopCh, doneCh := h.stopCh, h.doneCh
	h.mu.Unlock()

	close(stopCh)
	<-doneCh

	if err := h.coord.RemoveConsumer(context.Background(), h.consumerID); err != nil {
		h.logger.Warnf("heartbeat loop: remove consumer %s: %v", h.consumerID, err)
	}

	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

func (h *HeartbeatLoop) loop(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HeartbeatLoop) tick(ctx context.Context) {
	if err := h.coord.SendHeartbeat(ctx, h.consumerID); err != nil {
		h.logger.Warnf("heartbeat loop: send heartbeat: %v", err)
		return
	}

	if err := h.coord.CheckForRebalance(ctx); err != nil {
		h.logger.Warnf("heartbeat loop: check rebalance: %v", err)
	}

	assignment, err := h.coord.GetAssignedPartitions(ctx, h.consumerID)
	if err != nil {
		h.logger.Warnf("heartbeat loop: get assignment: %v", err)
		return
	}

	h.resolver.set(assignment.Partitions)
}
