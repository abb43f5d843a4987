package browser

import (
	"sort"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/lazypower/tabflow/internal/engine"
)

// Registry maps CDP target IDs to engine handles. Handles are assigned in
// increasing order and never reused within a process.
type Registry struct {
	mu       sync.Mutex
	next     engine.Handle
	byTarget map[proto.TargetTargetID]engine.Handle
	byHandle map[engine.Handle]proto.TargetTargetID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTarget: make(map[proto.TargetTargetID]engine.Handle),
		byHandle: make(map[engine.Handle]proto.TargetTargetID),
	}
}

// Assign returns the handle for id, allocating one if needed. The bool is
// true when the handle is new.
func (r *Registry) Assign(id proto.TargetTargetID) (engine.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byTarget[id]; ok {
		return h, false
	}
	r.next++
	h := r.next
	r.byTarget[id] = h
	r.byHandle[h] = id
	return h, true
}

// Handle returns the handle for id.
func (r *Registry) Handle(id proto.TargetTargetID) (engine.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTarget[id]
	return h, ok
}

// Target returns the target ID for h.
func (r *Registry) Target(h engine.Handle) (proto.TargetTargetID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHandle[h]
	return id, ok
}

// Release forgets id and returns the handle it had.
func (r *Registry) Release(id proto.TargetTargetID) (engine.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTarget[id]
	if !ok {
		return 0, false
	}
	delete(r.byTarget, id)
	delete(r.byHandle, h)
	return h, true
}

// Handles lists registered handles in ascending order.
func (r *Registry) Handles() []engine.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Handle, 0, len(r.byHandle))
	for h := range r.byHandle {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
