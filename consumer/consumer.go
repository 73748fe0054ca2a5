// Package consumer implements the Stream Consumer (spec.md §4.10): one
// worker reading its coordinator-assigned partitions, applying registered
// handlers per event type, ACKing on success and DLQ-ing on exhausted
// retries.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/outbox"
	"github.com/slapcommerce/core/transport"
)

// StreamResolver returns the Redis stream keys this consumer should read
// from right now, re-evaluated every tick so a coordinator rebalance takes
// effect without a restart.
type StreamResolver func() []string

// Config controls one Consumer's read loop.
type Config struct {
	Group         string
	ConsumerID    string
	BlockDuration time.Duration
	BatchSize     int64
	MaxRetries    int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}

	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Second
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 5
	}
}

// Consumer reads assigned partitions via XREADGROUP, resolves each message
// back to its local outbox row for idempotency, and fans it out to every
// handler registered for its event type.
type Consumer struct {
	client   *transport.Client
	store    eventstore.Store
	resolve  StreamResolver
	cfg      Config
	logger   mlog.Logger
	metrics  outbox.Metrics
	handlers map[string][]outbox.Handler

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(client *transport.Client, store eventstore.Store, resolve StreamResolver, cfg Config, logger mlog.Logger, metrics outbox.Metrics) *Consumer {
	cfg.applyDefaults()

	if metrics == nil {
		metrics = outbox.NoopMetrics{}
	}

	return &Consumer{
		client:   client,
		store:    store,
		resolve:  resolve,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		handlers: map[string][]outbox.Handler{},
	}
}

// RegisterHandler adds h to the fan-out set for eventType.
func (c *Consumer) RegisterHandler(eventType string, h outbox.Handler) {
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Start ensures the consumer group exists on every currently-assigned
// stream, claims this consumer's pending entries from a prior crash, and
// launches the read loop. A second Start while running fails with
// coreerr.AlreadyRunningError.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return coreerr.AlreadyRunningError{Worker: "consumer.Consumer"}
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	for _, stream := range c.resolve() {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}

		if err := c.claimPending(ctx, stream); err != nil {
			c.logger.Warnf("consumer: claim pending on %s: %v", stream, err)
		}
	}

	go c.loop(ctx)

	return nil
}

// Shutdown finishes the in-flight tick and stops the read loop.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			c.Tick(ctx)
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	_, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.client.Raw().XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	})
	if err != nil && !isBusyGroup(err) {
		return err
	}

	return nil
}

func (c *Consumer) claimPending(ctx context.Context, stream string) error {
	_, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		_, _, err := c.client.Raw().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.ConsumerID,
			MinIdle:  0,
			Start:    "0",
		}).Result()

		return nil, err
	})

	return err
}

// Tick runs one read/process cycle; exported so callers (and tests) can
// drive the loop deterministically instead of waiting on BLOCK timing.
func (c *Consumer) Tick(ctx context.Context) {
	streams := c.resolve()
	if len(streams) == 0 {
		time.Sleep(c.cfg.BlockDuration)
		return
	}

	streamArgs := make([]string, 0, 2*len(streams))
	streamArgs = append(streamArgs, streams...)

	for range streams {
		streamArgs = append(streamArgs, ">")
	}

	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.ConsumerID,
			Streams:  streamArgs,
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.BlockDuration,
		}).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return
		}

		c.logger.Warnf("consumer: XREADGROUP: %v", err)

		return
	}

	xstreams, _ := reply.([]redis.XStream)
	for _, xs := range xstreams {
		for _, msg := range xs.Messages {
			c.processMessage(ctx, xs.Stream, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) {
	outboxID, eventType, ok := parseFields(msg.Values)
	if !ok {
		c.logger.Warnf("consumer: malformed message %s on %s, acking without dead-lettering", msg.ID, stream)
		c.ack(ctx, stream, msg.ID)

		return
	}

	row, err := c.store.GetOutbox(ctx, c.store.DB(), outboxID)
	if err != nil {
		var notFound coreerr.NotFoundError
		if errors.As(err, &notFound) {
			c.ack(ctx, stream, msg.ID)
			return
		}

		c.logger.Warnf("consumer: load outbox %s: %v", outboxID, err)

		return
	}

	if row.Status == eventstore.OutboxProcessed {
		c.ack(ctx, stream, msg.ID)
		return
	}

	if err := c.runHandlers(ctx, eventType, row); err != nil {
		c.handleFailure(ctx, stream, msg, row, err)
		return
	}

	if err := c.markProcessed(ctx, outboxID); err != nil {
		c.logger.Warnf("consumer: mark processed %s: %v", outboxID, err)
		return
	}

	c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) runHandlers(ctx context.Context, eventType string, row eventstore.OutboxEntry) error {
	for _, h := range c.handlers[eventType] {
		if err := c.runHandler(ctx, row, h); err != nil {
			return err
		}
	}

	remaining, err := c.store.CountIncompleteHandlers(ctx, c.store.DB(), row.ID)
	if err != nil {
		return err
	}

	if remaining > 0 {
		return coreerr.TransientError{Op: "consumer.runHandlers", Err: fmt.Errorf("%d handler lanes incomplete", remaining)}
	}

	return nil
}

func (c *Consumer) runHandler(ctx context.Context, row eventstore.OutboxEntry, h outbox.Handler) error {
	existing, err := c.store.GetProcessingRow(ctx, c.store.DB(), row.ID, h.HandlerID())

	var notFound coreerr.NotFoundError

	switch {
	case err == nil && existing.Status == eventstore.ProcessingCompleted:
		return nil
	case err != nil && !errors.As(err, &notFound):
		return err
	}

	handleErr := h.Handle(ctx, row)

	tx, err := c.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if handleErr == nil {
		if err := c.store.UpsertProcessingRow(ctx, tx, eventstore.ProcessingRow{
			OutboxID: row.ID, HandlerID: h.HandlerID(), Status: eventstore.ProcessingCompleted,
		}); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	}

	retryCount := existing.RetryCount + 1
	if err := c.store.UpsertProcessingRow(ctx, tx, eventstore.ProcessingRow{
		OutboxID: row.ID, HandlerID: h.HandlerID(), Status: eventstore.ProcessingFailed, RetryCount: retryCount,
	}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return handleErr
}

func (c *Consumer) markProcessed(ctx context.Context, outboxID string) error {
	tx, err := c.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := c.store.MarkProcessed(ctx, tx, outboxID); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// handleFailure examines the message's delivery count via XPENDING: a
// coreerr.PermanentError, or a delivery count past budget, moves it to the
// stream's DLQ with full metadata and ACKs it; any other failure within
// budget leaves it in the PEL for the next claim/read cycle.
func (c *Consumer) handleFailure(ctx context.Context, stream string, msg redis.XMessage, row eventstore.OutboxEntry, handleErr error) {
	var permanent coreerr.PermanentError

	deliveryCount := c.deliveryCount(ctx, stream, msg.ID)

	if errors.As(handleErr, &permanent) || deliveryCount > c.cfg.MaxRetries {
		c.deadLetter(ctx, stream, msg, row, handleErr, deliveryCount)
		c.ack(ctx, stream, msg.ID)

		return
	}

	c.logger.Warnf("consumer: handler failed for outbox %s (delivery %d): %v", row.ID, deliveryCount, handleErr)
}

func (c *Consumer) deliveryCount(ctx context.Context, stream, messageID string) int {
	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.cfg.Group,
			Start:  messageID,
			End:    messageID,
			Count:  1,
		}).Result()
	})
	if err != nil {
		return 1
	}

	entries, _ := reply.([]redis.XPendingExt)
	if len(entries) == 0 {
		return 1
	}

	return int(entries[0].RetryCount)
}

func (c *Consumer) ack(ctx context.Context, stream, messageID string) {
	if _, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.client.Raw().XAck(ctx, stream, c.cfg.Group, messageID).Err()
	}); err != nil {
		c.logger.Warnf("consumer: XACK %s/%s: %v", stream, messageID, err)
	}
}

func parseFields(values map[string]any) (outboxID, eventType string, ok bool) {
	outboxID, idOK := values["outboxId"].(string)
	eventType, typeOK := values["type"].(string)

	return outboxID, eventType, idOK && typeOK
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
