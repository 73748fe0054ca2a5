package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mlog"
)

// Sweeper periodically recovers outbox rows stuck in pending or dispatched
// beyond a threshold, escalating to the undeliverable DLQ once attempts
// are exhausted.
type Sweeper struct {
	store     eventstore.Store
	publisher Publisher
	logger    mlog.Logger
	metrics   Metrics

	pendingThreshold    time.Duration
	dispatchedThreshold time.Duration
	maxAttempts         uint32
	tickInterval        time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper builds a Sweeper. metrics may be nil.
func NewSweeper(store eventstore.Store, publisher Publisher, logger mlog.Logger, metrics Metrics,
	pendingThreshold, dispatchedThreshold, tickInterval time.Duration, maxAttempts uint32) *Sweeper {
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Sweeper{
		store:               store,
		publisher:           publisher,
		logger:              logger,
		metrics:             metrics,
		pendingThreshold:    pendingThreshold,
		dispatchedThreshold: dispatchedThreshold,
		maxAttempts:         maxAttempts,
		tickInterval:        tickInterval,
	}
}

// Start launches the periodic sweep loop. A second call while running is a
// no-op — start() is idempotent.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)

	return nil
}

// Shutdown drains in-flight work and stops the timer.
func (s *Sweeper) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one sweep tick. Calling it twice back-to-back with no new
// arrivals is a no-op the second time, since there is nothing stale left
// to find.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweepDuration(time.Since(start).Seconds()) }()

	now := time.Now().UTC()

	stalePending, err := s.store.StalePending(ctx, s.store.DB(), now.Add(-s.pendingThreshold), 1000)
	if err != nil {
		s.logger.Errorf("outbox sweeper: list stale pending: %v", err)
	}

	staleDispatched, err := s.store.StaleDispatched(ctx, s.store.DB(), now.Add(-s.dispatchedThreshold), 1000)
	if err != nil {
		s.logger.Errorf("outbox sweeper: list stale dispatched: %v", err)
	}

	for _, row := range append(stalePending, staleDispatched...) {
		if err := s.recoverRow(ctx, row); err != nil {
			// One row's error must not prevent the others in this tick
			// from being processed.
			s.logger.Errorf("outbox sweeper: recover row %s: %v", row.ID, err)
		}
	}
}

func (s *Sweeper) recoverRow(ctx context.Context, row eventstore.OutboxEntry) error {
	if row.Attempts >= s.maxAttempts {
		tx, err := s.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		lastErr := fmt.Sprintf("Max attempts exceeded (%d)", row.Attempts)
		if err := s.store.MoveToUndeliverable(ctx, tx, row, lastErr); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		s.metrics.IncDeadLettered()

		return nil
	}

	if err := s.publisher.Publish(ctx, row.StreamName, row); err != nil {
		return coreerr.TransientError{Op: "sweeper.republish", Err: err}
	}

	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := s.store.MarkDispatched(ctx, tx, row.ID); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
