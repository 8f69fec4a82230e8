// Package registry tracks which scan jobs are currently executing. It
// replaces hidden process-global "current job" markers with an injected,
// concurrency-safe handle.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

// Ensure ActiveJobs implements scanning.ActiveJobRegistry at compile time.
var _ scanning.ActiveJobRegistry = (*ActiveJobs)(nil)

// ActiveJobs is an in-memory active-job registry shared by every worker in
// the process.
type ActiveJobs struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]uuid.UUID // taskID -> reportID
}

// NewActiveJobs creates an empty registry.
func NewActiveJobs() *ActiveJobs {
	return &ActiveJobs{jobs: make(map[uuid.UUID]uuid.UUID)}
}

// Register marks a job active.
func (r *ActiveJobs) Register(taskID, reportID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[taskID] = reportID
}

// Clear removes a job's active marker. Clearing an unknown task is a no-op.
func (r *ActiveJobs) Clear(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, taskID)
}

// Count returns the number of currently active jobs.
func (r *ActiveJobs) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Lookup returns the active report for a task, if any.
func (r *ActiveJobs) Lookup(taskID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reportID, ok := r.jobs[taskID]
	return reportID, ok
}
