package orchestrator

import "sync"

// CancelRegistry tracks aborted runs. Workers check it before starting a
// unit of work (not mid-unit) and skip queued work for cancelled runs
// without recording spend.
type CancelRegistry struct {
	mu        sync.RWMutex
	cancelled map[string]struct{}
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancelled: make(map[string]struct{})}
}

// Cancel marks a run as aborted. Idempotent.
func (r *CancelRegistry) Cancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[runID] = struct{}{}
}

// Cancelled reports whether a run has been aborted.
func (r *CancelRegistry) Cancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cancelled[runID]
	return ok
}

// Clear removes a run from the registry once its queues have drained.
func (r *CancelRegistry) Clear(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, runID)
}
