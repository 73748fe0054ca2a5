package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/transport"
)

// DLQMessage is a terminal record moved off a partitioned stream after a
// permanent handler failure or after exhausting the consumer's retry budget.
type DLQMessage struct {
	ID                string
	OriginalMessageID string
	OriginalStream    string
	Event             []byte
	Error             string
	DeliveryCount     int
	Timestamp         time.Time
	ConsumerGroup     string
	Consumer          string

	outboxID string
}

// OutboxID is the local outbox row id this message was derived from, kept
// unexported since it is an internal replay detail, not part of the
// reported DLQ record shape.
func (m DLQMessage) OutboxID() string { return m.outboxID }

func (c *Consumer) deadLetter(ctx context.Context, stream string, msg redis.XMessage, row eventstore.OutboxEntry, handleErr error, deliveryCount int) {
	key := transport.DeadLetterStreamKey(stream)

	values := map[string]any{
		"originalMessageId": msg.ID,
		"originalStream":    stream,
		"outboxId":          row.ID,
		"event":             row.Event,
		"error":             handleErr.Error(),
		"deliveryCount":     strconv.Itoa(deliveryCount),
		"timestamp":         strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
		"consumerGroup":     c.cfg.Group,
		"consumer":          c.cfg.ConsumerID,
	}

	if _, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
	}); err != nil {
		c.logger.Warnf("consumer: dead-letter %s: %v", row.ID, err)
		return
	}

	c.metrics.IncDeadLettered()
}

// DLQCount returns the number of messages currently parked in streamName's
// dead-letter stream.
func (c *Consumer) DLQCount(ctx context.Context, streamName string) (int64, error) {
	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XLen(ctx, transport.DeadLetterStreamKey(streamName)).Result()
	})
	if err != nil {
		return 0, err
	}

	n, _ := reply.(int64)

	return n, nil
}

// ReadDLQMessages pages through streamName's dead-letter stream starting
// at start, inclusive (Redis stream ID, "-" for the beginning), oldest first.
func (c *Consumer) ReadDLQMessages(ctx context.Context, streamName, start string, count int64) ([]DLQMessage, error) {
	if start == "" {
		start = "-"
	}

	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XRangeN(ctx, transport.DeadLetterStreamKey(streamName), start, "+", count).Result()
	})
	if err != nil {
		return nil, err
	}

	entries, _ := reply.([]redis.XMessage)
	out := make([]DLQMessage, 0, len(entries))

	for _, e := range entries {
		out = append(out, decodeDLQMessage(e))
	}

	return out, nil
}

// ReprocessDLQMessage replays a dead-lettered message through the handler
// registered for its event type; on success it is removed from the DLQ.
func (c *Consumer) ReprocessDLQMessage(ctx context.Context, streamName, id string) error {
	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return c.client.Raw().XRangeN(ctx, transport.DeadLetterStreamKey(streamName), id, id, 1).Result()
	})
	if err != nil {
		return err
	}

	entries, _ := reply.([]redis.XMessage)
	if len(entries) == 0 {
		return coreerr.NotFoundError{EntityType: "dlq_message", ID: id}
	}

	dlqMsg := decodeDLQMessage(entries[0])

	row, err := c.store.GetOutbox(ctx, c.store.DB(), dlqMsg.OutboxID())
	if err != nil {
		return err
	}

	if err := c.runHandlers(ctx, row.StreamName, row); err != nil {
		return err
	}

	if err := c.markProcessed(ctx, row.ID); err != nil {
		return err
	}

	return c.DeleteDLQMessage(ctx, streamName, id)
}

// DeleteDLQMessage removes a single message from streamName's dead-letter
// stream without reprocessing it.
func (c *Consumer) DeleteDLQMessage(ctx context.Context, streamName, id string) error {
	_, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.client.Raw().XDel(ctx, transport.DeadLetterStreamKey(streamName), id).Err()
	})

	return err
}

// ClearDLQ removes every message from streamName's dead-letter stream.
func (c *Consumer) ClearDLQ(ctx context.Context, streamName string) error {
	_, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.client.Raw().Del(ctx, transport.DeadLetterStreamKey(streamName)).Err()
	})

	return err
}

// GetAllDLQCounts returns the current message count for every dead-letter
// stream derived from streamNames.
func (c *Consumer) GetAllDLQCounts(ctx context.Context, streamNames []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(streamNames))

	for _, name := range streamNames {
		n, err := c.DLQCount(ctx, name)
		if err != nil {
			return nil, err
		}

		counts[name] = n
	}

	return counts, nil
}

func decodeDLQMessage(e redis.XMessage) DLQMessage {
	str := func(k string) string {
		v, _ := e.Values[k].(string)
		return v
	}

	deliveryCount, _ := strconv.Atoi(str("deliveryCount"))
	tsMillis, _ := strconv.ParseInt(str("timestamp"), 10, 64)

	event, _ := e.Values["event"].(string)

	return DLQMessage{
		ID:                e.ID,
		OriginalMessageID: str("originalMessageId"),
		OriginalStream:    str("originalStream"),
		Event:             []byte(event),
		Error:             str("error"),
		DeliveryCount:     deliveryCount,
		Timestamp:         time.UnixMilli(tsMillis).UTC(),
		ConsumerGroup:     str("consumerGroup"),
		Consumer:          str("consumer"),
		outboxID:          str("outboxId"),
	}
}
