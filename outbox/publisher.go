// Package outbox implements the dispatcher (pending → in-stream), the
// sweeper (time-based recovery + dead-letter escalation), and the
// embedded-only Poller alternative, sharing the same ProcessingRow
// bookkeeping in eventstore so either pipeline — or both at once — can
// drive the same outbox table.
package outbox

import (
	"context"

	"github.com/slapcommerce/core/eventstore"
)

// Publisher is the transport-facing seam the dispatcher and sweeper push
// through — satisfied by transport.StreamPublisher in production and a fake
// in tests.
type Publisher interface {
	Publish(ctx context.Context, streamName string, entry eventstore.OutboxEntry) error
}

// Metrics is an optional sink a caller can wire without the outbox package
// depending on a concrete metrics library.
type Metrics interface {
	IncDispatched()
	IncDeadLettered()
	ObserveSweepDuration(seconds float64)
}

// NoopMetrics discards everything; used when no Metrics is configured.
type NoopMetrics struct{}

func (NoopMetrics) IncDispatched()                    {}
func (NoopMetrics) IncDeadLettered()                   {}
func (NoopMetrics) ObserveSweepDuration(seconds float64) {}
