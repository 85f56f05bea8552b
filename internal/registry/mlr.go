package registry

import (
	"sync"
	"time"

	"github.com/kirale/kibra/internal/thread"
)

// MLREntry is one multicast group a mesh device has registered
// interest in (spec.md §3 "MLR registry", §4.5).
type MLREntry struct {
	Group     string
	ExpiresAt time.Time // zero value combined with Permanent means "no timeout set yet"
	Permanent bool
}

// MLRRegistry tracks listener registrations per multicast group.
// Joining a group that is already registered is idempotent and simply
// refreshes the timeout (spec.md invariant I-MLR-3 "idempotent join").
type MLRRegistry struct {
	mu      sync.Mutex
	entries map[string]*MLREntry
}

// NewMLRRegistry creates an empty registry.
func NewMLRRegistry() *MLRRegistry {
	return &MLRRegistry{entries: make(map[string]*MLREntry)}
}

// Join registers (or refreshes) interest in group for timeoutSeconds,
// floored at thread.MinMLRTimeout unless timeoutSeconds is the
// permanent sentinel (spec.md invariant I-MLR-2 "minimum timeout
// floor").
func (r *MLRRegistry) Join(group string, timeoutSeconds uint32, now time.Time) MLREntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[group]
	if !ok {
		e = &MLREntry{Group: group}
		r.entries[group] = e
	}
	if timeoutSeconds == thread.PermanentTimeout {
		e.Permanent = true
		e.ExpiresAt = time.Time{}
		return *e
	}
	effective := time.Duration(timeoutSeconds) * time.Second
	if effective < thread.MinMLRTimeout {
		effective = thread.MinMLRTimeout
	}
	e.Permanent = false
	e.ExpiresAt = now.Add(effective)
	return *e
}

// Leave removes group's registration outright. A timeout of 0 passed
// to Join is floored like any other short timeout, not treated as a leave.
func (r *MLRRegistry) Leave(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, group)
}

// Count returns the number of groups currently tracked.
func (r *MLRRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Lookup returns a copy of the entry for group, if any.
func (r *MLRRegistry) Lookup(group string) (MLREntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[group]
	if !ok {
		return MLREntry{}, false
	}
	return *e, true
}

// Sweep removes every non-permanent entry that expired at or before
// now and returns the groups that were dropped, so the multicast
// router can tear down the matching MFC/filter state.
func (r *MLRRegistry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for group, e := range r.entries {
		if e.Permanent {
			continue
		}
		if !e.ExpiresAt.After(now) {
			dropped = append(dropped, group)
			delete(r.entries, group)
		}
	}
	return dropped
}

// All returns a snapshot of every registered group.
func (r *MLRRegistry) All() []MLREntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MLREntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}
