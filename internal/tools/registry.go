package tools

import (
	"fmt"
	"sync"
)

// #region registry
// Registry holds the adapters in registration order.
type Registry struct {
	knowledge *Knowledge

	mu    sync.RWMutex
	tools map[string]Adapter
	order []string
}

// NewRegistry creates an empty registry. knowledge may be nil, in which case
// stats read as zero and outcomes are dropped.
func NewRegistry(knowledge *Knowledge) *Registry {
	return &Registry{knowledge: knowledge, tools: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate ids and invalid specs are rejected.
func (r *Registry) Register(a Adapter) error {
	spec := a.Spec()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid tool %q: %w", spec.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, spec.ID)
	}
	r.tools[spec.ID] = a
	r.order = append(r.order, spec.ID)
	return nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.tools[id]
	return a, ok
}

// IDs returns every registered id in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns every spec in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id].Spec())
	}
	return out
}

// ListWithStats is List joined with the learned success rate and latency.
func (r *Registry) ListWithStats() []Listing {
	specs := r.List()
	out := make([]Listing, 0, len(specs))
	for _, s := range specs {
		l := Listing{Spec: s}
		if r.knowledge != nil {
			l.SuccessRate = r.knowledge.SuccessRate(s.ID)
			l.AvgLatency = r.knowledge.AvgLatency(s.ID)
		}
		out = append(out, l)
	}
	return out
}

// Recommend returns up to k tool ids ranked for tc.
func (r *Registry) Recommend(tc TaskContext, k int) []string {
	if r.knowledge == nil {
		return nil
	}
	recs := r.knowledge.Recommend(r.List(), tc, k)
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

// RecordOutcome forwards one execution result to the knowledge store.
func (r *Registry) RecordOutcome(toolID string, ok bool, latencyMs int64, tc TaskContext) error {
	if r.knowledge == nil {
		return nil
	}
	return r.knowledge.RecordOutcome(toolID, ok, latencyMs, tc)
}

// #endregion registry
