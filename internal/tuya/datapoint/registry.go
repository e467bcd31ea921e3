package datapoint

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Result is the outcome of Registry.ApplyUpdate.
type Result int

const (
	// Unchanged means the value equals the cached one; no listener fires.
	Unchanged Result = iota

	// Changed means the value was new or different; listeners were notified.
	Changed
)

// String implements fmt.Stringer.
func (r Result) String() string {
	if r == Changed {
		return "changed"
	}
	return "unchanged"
}

// Listener receives a datapoint after its value changed.
type Listener func(Datapoint)

// View is the read-only face of a Registry handed to consumers.
type View interface {
	Get(id uint8) (Datapoint, bool)
	Snapshot() []Datapoint
	Subscribe(fn Listener) (unsubscribe func())
}

// Registry caches the last known value of every datapoint seen on one
// device and notifies listeners on change.
type Registry struct {
	mu     sync.RWMutex
	points map[uint8]Datapoint

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64

	now func() time.Time
}

var _ View = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		points:    make(map[uint8]Datapoint),
		listeners: make(map[uint64]Listener),
		now:       time.Now,
	}
}

// Get returns the cached datapoint for id.
func (r *Registry) Get(id uint8) (Datapoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dp, ok := r.points[id]
	return dp, ok
}

// Snapshot returns every cached datapoint ordered by id.
func (r *Registry) Snapshot() []Datapoint {
	r.mu.RLock()
	out := make([]Datapoint, 0, len(r.points))
	for _, dp := range r.points {
		out = append(out, dp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyUpdate records a new value for dp.ID.
//
// The first update for an id fixes its type. An update with a different
// type, or whose value is not the Go representation of its type, is
// rejected with ErrTypeMismatch and the prior value is retained.
//
// On Changed, every listener is called synchronously with the stored
// datapoint before ApplyUpdate returns.
//
// Parameters:
//   - dp: Datapoint carrying ID, Type, Value and ChangedByDevice
//
// Returns:
//   - Result: Changed or Unchanged
//   - error: ErrTypeMismatch (wrapped) if the update was rejected
func (r *Registry) ApplyUpdate(dp Datapoint) (Result, error) {
	if err := CheckValue(dp.Type, dp.Value); err != nil {
		return Unchanged, fmt.Errorf("dp %d: %w", dp.ID, err)
	}

	r.mu.Lock()
	prev, seen := r.points[dp.ID]
	if seen && prev.Type != dp.Type {
		r.mu.Unlock()
		return Unchanged, fmt.Errorf("%w: dp %d is %s, update is %s", ErrTypeMismatch, dp.ID, prev.Type, dp.Type)
	}
	if seen && Equal(prev.Value, dp.Value) {
		r.mu.Unlock()
		return Unchanged, nil
	}
	if raw, ok := dp.Value.([]byte); ok {
		dp.Value = append([]byte(nil), raw...)
	}
	dp.UpdatedAt = r.now()
	r.points[dp.ID] = dp
	r.mu.Unlock()

	r.notify(dp)
	return Changed, nil
}

// Subscribe registers a change listener. Listeners run on the updating
// goroutine; ordering between listeners is unspecified.
//
// Returns:
//   - func(): Removes the listener; safe to call more than once
func (r *Registry) Subscribe(fn Listener) func() {
	r.listenersMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.listenersMu.Lock()
			delete(r.listeners, id)
			r.listenersMu.Unlock()
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (r *Registry) ListenerCount() int {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) notify(dp Datapoint) {
	r.listenersMu.RLock()
	fns := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(dp)
	}
}
