package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

// Dispatcher moves freshly appended outbox rows into the transport.
// DispatchOne is invoked per row id, typically right after the Unit of
// Work commits that row; Start additionally runs a periodic catch-up pass
// (DispatchPending) over anything still pending that never got an inline
// DispatchOne call - most often a process crash between commit and that
// call. The sweeper still provides the backstop for rows that catch-up
// itself fails to land, at a much longer threshold.
type Dispatcher struct {
	store     eventstore.Store
	publisher Publisher
	logger    mlog.Logger
	metrics   Metrics

	catchupInterval time.Duration
	batchLimit      int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDispatcher builds a Dispatcher. metrics may be nil, in which case a
// NoopMetrics is used. catchupInterval/batchLimit govern Start's periodic
// DispatchPending pass; DispatchOne ignores both.
func NewDispatcher(store eventstore.Store, publisher Publisher, logger mlog.Logger, metrics Metrics,
	catchupInterval time.Duration, batchLimit int) *Dispatcher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Dispatcher{
		store:           store,
		publisher:       publisher,
		logger:          logger,
		metrics:         metrics,
		catchupInterval: catchupInterval,
		batchLimit:      batchLimit,
	}
}

// Start launches the periodic catch-up loop. A second call while running
// is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}

	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.loop(ctx)

	return nil
}

// Shutdown stops the catch-up loop and waits for the in-flight pass to
// finish.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.catchupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.DispatchPending(ctx, d.batchLimit); err != nil {
				d.logger.Errorf("outbox dispatcher: catch-up pass: %v", err)
			}
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// DispatchPending claims up to limit pending rows in one atomic step -
// ClaimPending's fetch-and-claim contract - and republishes each. A claim
// that fails to publish is handed back to pending via RevertToPending so
// it is retried rather than stuck falsely marked dispatched; a claim that
// publishes successfully has its attempt counter bumped via
// IncrementAttempts, mirroring DispatchOne's own attempts += 1.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) error {
	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	claimed, err := d.store.ClaimPending(ctx, tx, limit)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, row := range claimed {
		if err := d.publisher.Publish(ctx, row.StreamName, row); err != nil {
			d.logger.Warnf("outbox dispatcher: catch-up publish failed for %s: %v", row.ID, err)

			if err := d.revertClaim(ctx, row.ID); err != nil {
				return err
			}

			continue
		}

		if err := d.bumpAttempts(ctx, row.ID); err != nil {
			return err
		}

		d.metrics.IncDispatched()
	}

	return nil
}

func (d *Dispatcher) revertClaim(ctx context.Context, id string) error {
	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := d.store.RevertToPending(ctx, tx, id); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (d *Dispatcher) bumpAttempts(ctx context.Context, id string) error {
	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := d.store.IncrementAttempts(ctx, tx, id); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// DispatchOne loads outbox row id; if its status is not pending, it is a
// no-op (already handled, or handled by a concurrent sweep). Otherwise it
// publishes to the transport and, only on publish success, flips the row
// to dispatched — publish failures leave the row pending with no counter
// change, exactly as spec'd, so the sweeper can retry it later.
func (d *Dispatcher) DispatchOne(ctx context.Context, id string) error {
	row, err := d.store.GetOutbox(ctx, d.store.DB(), id)
	if err != nil {
		if errors.As(err, &coreerr.NotFoundError{}) {
			return nil
		}

		return err
	}

	if row.Status != eventstore.OutboxPending {
		return nil
	}

	if err := d.publisher.Publish(ctx, row.StreamName, row); err != nil {
		d.logger.Warnf("outbox dispatcher: publish failed for %s: %v", id, err)
		return nil
	}

	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := d.store.MarkDispatched(ctx, tx, id); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	d.metrics.IncDispatched()

	return nil
}
