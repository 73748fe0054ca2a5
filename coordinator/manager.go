package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Manager coordinates several Coordinators - one per consumer group - from a
// single process. Member enumeration and stale-heartbeat eviction are
// per-group Redis round trips with no shared state between groups, so
// ScanAll fans them out concurrently rather than scanning groups one at a
// time.
type Manager struct {
	coordinators map[string]*Coordinator
}

// NewManager builds a Manager over the given Coordinators, keyed by their
// group name.
func NewManager(coordinators ...*Coordinator) *Manager {
	m := &Manager{coordinators: make(map[string]*Coordinator, len(coordinators))}
	for _, c := range coordinators {
		m.Add(c)
	}

	return m
}

// Add registers c with the manager, keyed by its group name.
func (m *Manager) Add(c *Coordinator) {
	m.coordinators[c.group] = c
}

// Groups returns the names of every group the manager coordinates.
func (m *Manager) Groups() []string {
	groups := make([]string, 0, len(m.coordinators))
	for group := range m.coordinators {
		groups = append(groups, group)
	}

	return groups
}

// ScanAll runs EvictStale concurrently across every coordinated group,
// returning the first error encountered. Intended to be called on a fixed
// interval alongside (or instead of) per-group heartbeat loops, so that a
// process managing many groups pays one eviction pass instead of N
// sequential ones.
func (m *Manager) ScanAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range m.coordinators {
		c := c
		g.Go(func() error {
			return c.EvictStale(ctx)
		})
	}

	return g.Wait()
}
