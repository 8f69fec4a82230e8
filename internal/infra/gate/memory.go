// Package gate provides implementations of the cross-process resource gate
// bounding concurrent access to scarce local resources: scan-update
// sections, database connections and report-processing slots.
package gate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

var _ scanning.ResourceGate = (*MemoryGate)(nil)

// MemoryGate is an in-process resource gate backed by weighted semaphores.
// It serves single-process deployments and tests; it cannot synchronize
// across independently failing workers, which is what PostgresGate is for.
type MemoryGate struct {
	sems map[scanning.Resource]*semaphore.Weighted
}

// NewMemoryGate creates a gate with the given per-resource capacities.
// A capacity of 0 disables the gate for that resource entirely.
func NewMemoryGate(capacities map[scanning.Resource]int) *MemoryGate {
	sems := make(map[scanning.Resource]*semaphore.Weighted, len(capacities))
	for res, capacity := range capacities {
		if capacity > 0 {
			sems[res] = semaphore.NewWeighted(int64(capacity))
		}
	}
	return &MemoryGate{sems: sems}
}

// Acquire claims one slot, blocking up to timeout (0 means unbounded).
// Returns (false, nil) when the wait exceeded the timeout.
func (g *MemoryGate) Acquire(ctx context.Context, resource scanning.Resource, timeout time.Duration) (bool, error) {
	sem, ok := g.sems[resource]
	if !ok {
		// Capacity 0: the throttle is disabled for this resource.
		return true, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, &scanning.GateBrokenError{Resource: resource, Err: err}
	}
	return true, nil
}

// Release returns one previously acquired slot.
func (g *MemoryGate) Release(_ context.Context, resource scanning.Resource) error {
	if sem, ok := g.sems[resource]; ok {
		sem.Release(1)
	}
	return nil
}
