package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

// Handler is a poller-registered effect applied to an outbox row. A
// Handler returns nil on success, coreerr.TransientError to retry, or
// coreerr.PermanentError to send the row straight to the handler DLQ.
type Handler interface {
	HandlerID() string
	Handle(ctx context.Context, entry eventstore.OutboxEntry) error
}

// Poller is the embedded-only alternative to dispatcher+transport+consumer:
// it never touches Redis, driving handlers directly off the same
// outbox/outbox_processing tables.
type Poller struct {
	store    eventstore.Store
	logger   mlog.Logger
	metrics  Metrics
	handlers map[string][]Handler // keyed by event type tag

	pollInterval time.Duration
	batchSize    int
	retryBase    int
	retryUnit    time.Duration
	maxRetries   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPoller builds a Poller. metrics may be nil.
func NewPoller(store eventstore.Store, logger mlog.Logger, metrics Metrics,
	pollInterval time.Duration, batchSize, retryBase int, retryUnit time.Duration, maxRetries int) *Poller {
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Poller{
		store:        store,
		logger:       logger,
		metrics:      metrics,
		handlers:     make(map[string][]Handler),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		retryBase:    retryBase,
		retryUnit:    retryUnit,
		maxRetries:   maxRetries,
	}
}

// RegisterHandler attaches h to every outbox row whose event type tag
// equals eventType.
func (p *Poller) RegisterHandler(eventType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[eventType] = append(p.handlers[eventType], h)
}

// Start launches the poll loop. A second Start while running returns
// coreerr.AlreadyRunningError.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return coreerr.AlreadyRunningError{Worker: "outbox.Poller"}
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)

	return nil
}

// Shutdown drains the in-flight poll tick and stops.
func (p *Poller) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs one poll tick.
func (p *Poller) Poll(ctx context.Context) {
	rows, err := p.store.PollableOutbox(ctx, p.store.DB(), time.Now().UTC(), p.batchSize)
	if err != nil {
		p.logger.Errorf("outbox poller: list pollable: %v", err)
		return
	}

	for _, row := range rows {
		p.processRow(ctx, row)
	}
}

func (p *Poller) handlersFor(eventType string) []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.handlers[eventType]
}

func (p *Poller) processRow(ctx context.Context, row eventstore.OutboxEntry) {
	eventType := eventTypeOf(row)
	handlers := p.handlersFor(eventType)

	for _, h := range handlers {
		if err := p.runHandler(ctx, row, h); err != nil {
			p.logger.Errorf("outbox poller: handler %s for %s: %v", h.HandlerID(), row.ID, err)
		}
	}

	remaining, err := p.store.CountIncompleteHandlers(ctx, p.store.DB(), row.ID)
	if err != nil {
		p.logger.Errorf("outbox poller: count incomplete handlers for %s: %v", row.ID, err)
		return
	}

	if remaining == 0 {
		tx, err := p.store.DB().BeginTx(ctx, nil)
		if err != nil {
			p.logger.Errorf("outbox poller: begin delete tx for %s: %v", row.ID, err)
			return
		}

		if err := p.store.DeleteOutbox(ctx, tx, row.ID); err != nil {
			tx.Rollback()
			p.logger.Errorf("outbox poller: delete completed row %s: %v", row.ID, err)
			return
		}

		if err := tx.Commit(); err != nil {
			p.logger.Errorf("outbox poller: commit delete for %s: %v", row.ID, err)
		}
	}
}

func (p *Poller) runHandler(ctx context.Context, row eventstore.OutboxEntry, h Handler) error {
	existing, err := p.store.GetProcessingRow(ctx, p.store.DB(), row.ID, h.HandlerID())
	if err != nil && !errors.As(err, &coreerr.NotFoundError{}) {
		return err
	}

	if err == nil && existing.Status == eventstore.ProcessingCompleted {
		return nil
	}

	handleErr := h.Handle(ctx, row)

	tx, err := p.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if handleErr == nil {
		if err := p.store.UpsertProcessingRow(ctx, tx, eventstore.ProcessingRow{
			OutboxID: row.ID, HandlerID: h.HandlerID(), Status: eventstore.ProcessingCompleted,
			RetryCount: existing.RetryCount,
		}); err != nil {
			return err
		}

		return tx.Commit()
	}

	var permanent coreerr.PermanentError
	retryCount := existing.RetryCount + 1

	if errors.As(handleErr, &permanent) || retryCount > p.maxRetries {
		reason := handleErr.Error()
		if retryCount > p.maxRetries {
			reason = fmt.Sprintf("retry budget exhausted (%d): %s", retryCount, reason)
		}

		if err := p.store.MoveToHandlerDLQ(ctx, tx, eventstore.HandlerDLQEntry{
			OutboxID: row.ID, HandlerID: h.HandlerID(),
			ErrorMessage: reason, FinalRetryCount: retryCount,
		}); err != nil {
			return err
		}

		if err := p.store.MoveToUnprocessable(ctx, tx, eventstore.DLQEntry{
			OutboxID: row.ID, StreamName: row.StreamName, Event: row.Event,
			Attempts: uint32(retryCount), LastError: reason,
		}); err != nil {
			return err
		}

		if err := p.store.UpsertProcessingRow(ctx, tx, eventstore.ProcessingRow{
			OutboxID: row.ID, HandlerID: h.HandlerID(), Status: eventstore.ProcessingCompleted,
			RetryCount: retryCount,
		}); err != nil {
			return err
		}

		p.metrics.IncDeadLettered()

		return tx.Commit()
	}

	nextRetry := time.Now().UTC().Add(time.Duration(math.Pow(float64(p.retryBase), float64(retryCount))) * p.retryUnit)

	if err := p.store.UpsertProcessingRow(ctx, tx, eventstore.ProcessingRow{
		OutboxID: row.ID, HandlerID: h.HandlerID(), Status: eventstore.ProcessingFailed,
		RetryCount: retryCount, NextRetryAt: &nextRetry,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// eventTypeOf returns the key used for handler lookup: the row's
// StreamName. The Event payload is not decoded, so RegisterHandler must be
// keyed on stream names.
func eventTypeOf(row eventstore.OutboxEntry) string {
	return row.StreamName
}
