package subscription

import (
	"sort"
	"sync"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
)

// Registry maps subsystems to the observers interested in them.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[state.Subsystem]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[state.Subsystem]map[string]struct{})}
}

// Subscribe registers observerID for changes to subsystem. Subscribing twice
// is a no-op.
func (r *Registry) Subscribe(subsystem state.Subsystem, observerID string) {
	if observerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[subsystem]
	if !ok {
		set = make(map[string]struct{})
		r.subs[subsystem] = set
	}
	set[observerID] = struct{}{}
}

// Unsubscribe removes observerID from subsystem. Removing an unknown
// observer is a no-op.
func (r *Registry) Unsubscribe(subsystem state.Subsystem, observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[subsystem]
	if !ok {
		return
	}
	delete(set, observerID)
	if len(set) == 0 {
		delete(r.subs, subsystem)
	}
}

// UnsubscribeAll removes observerID from every subsystem.
func (r *Registry) UnsubscribeAll(observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub, set := range r.subs {
		delete(set, observerID)
		if len(set) == 0 {
			delete(r.subs, sub)
		}
	}
}

// Observers returns the sorted observers of one subsystem.
func (r *Registry) Observers(subsystem state.Subsystem) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.subs[subsystem])
}

// Resolve returns the sorted, de-duplicated observers of every subsystem in
// changed.
func (r *Registry) Resolve(changed state.SubsystemSet) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for sub := range changed {
		for id := range r.subs[sub] {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Len returns the number of (subsystem, observer) pairs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
