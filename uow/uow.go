// Package uow provides the Unit of Work: a transactional boundary handed to
// command services that guarantees exactly one atomic commit per call,
// delegated to the batcher's shared flush transaction.
package uow

import (
	"context"
	"database/sql"
	"time"

	"github.com/slapcommerce/core/batcher"
	"github.com/slapcommerce/core/eventstore"
)

// EventRepository queues event appends for the in-flight unit of work.
type EventRepository interface {
	Append(ev eventstore.Event)
}

// SnapshotRepository queues snapshot writes for the in-flight unit of work.
type SnapshotRepository interface {
	Save(snap eventstore.Snapshot)
}

// OutboxRepository queues outbox inserts for the in-flight unit of work.
type OutboxRepository interface {
	Append(entry eventstore.OutboxEntry)
}

// Handles bundles the three transactional repository handles passed to a
// WithTransaction callback.
type Handles struct {
	Events    EventRepository
	Snapshots SnapshotRepository
	Outbox    OutboxRepository
}

// UnitOfWork hands out Handles bound to a single upcoming flush and
// commits everything queued during the callback as one batcher submission.
type UnitOfWork struct {
	store   eventstore.Store
	batcher *batcher.Batcher
}

// New builds a UnitOfWork over store, submitting work through b.
func New(store eventstore.Store, b *batcher.Batcher) *UnitOfWork {
	return &UnitOfWork{store: store, batcher: b}
}

// recorder accumulates queued operations during f and translates them into
// batcher.Operations at commit time, in the order they were queued —
// preserving "within a submission, statement order is preserved".
type recorder struct {
	store eventstore.Store
	ops   []batcher.Operation
}

func (r *recorder) Append(ev eventstore.Event) {
	r.ops = append(r.ops, func(ctx context.Context, tx *sql.Tx) error {
		return r.store.AppendEvent(ctx, tx, ev)
	})
}

func (r *recorder) Save(snap eventstore.Snapshot) {
	r.ops = append(r.ops, func(ctx context.Context, tx *sql.Tx) error {
		return r.store.SaveSnapshot(ctx, tx, snap)
	})
}

func (r *recorder) AppendOutbox(entry eventstore.OutboxEntry) {
	r.ops = append(r.ops, func(ctx context.Context, tx *sql.Tx) error {
		return r.store.AppendOutbox(ctx, tx, entry)
	})
}

type outboxAdapter struct{ r *recorder }

func (a outboxAdapter) Append(entry eventstore.OutboxEntry) { a.r.AppendOutbox(entry) }

// WithTransaction runs f with transactional handles bound to one upcoming
// flush, then blocks on that flush's outcome.
func (u *UnitOfWork) WithTransaction(ctx context.Context, f func(ctx context.Context, h Handles) error) error {
	rec := &recorder{store: u.store}

	if err := f(ctx, Handles{Events: rec, Snapshots: rec, Outbox: outboxAdapter{rec}}); err != nil {
		return err
	}

	if len(rec.ops) == 0 {
		return nil
	}

	return u.batcher.Submit(ctx, batcher.Work{Operations: rec.ops})
}

// WithTimeout is a convenience wrapper bounding WithTransaction's callback
// and flush wait to timeout.
func (u *UnitOfWork) WithTimeout(parent context.Context, timeout time.Duration, f func(ctx context.Context, h Handles) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	return u.WithTransaction(ctx, f)
}
