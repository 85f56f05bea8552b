// Package registry holds the two authoritative mesh-state tables the
// BBR engine arbitrates: the Domain Unicast Address registry and the
// Multicast Listener Registration registry (spec.md §3 "Registries").
package registry

import (
	"sync"
	"time"

	"github.com/kirale/kibra/internal/thread"
)

// DUAEntry is one committed or in-flight Domain Unicast Address
// registration (spec.md §3 "DUA registry", §4.4).
type DUAEntry struct {
	DUA            string
	MLEID          string
	RegistrantRLOC uint16
	RegisteredAt   time.Time
	DADInProgress  bool
	PendingDelete  bool
}

// DUARegistry holds at most one entry per DUA (spec.md invariant
// I-DUA-1 "at most one entry per DUA").
type DUARegistry struct {
	mu      sync.Mutex
	entries map[string]*DUAEntry
}

// NewDUARegistry creates an empty registry.
func NewDUARegistry() *DUARegistry {
	return &DUARegistry{entries: make(map[string]*DUAEntry)}
}

// Lookup returns a copy of the entry for dua, if any.
func (r *DUARegistry) Lookup(dua string) (DUAEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dua]
	if !ok {
		return DUAEntry{}, false
	}
	return *e, true
}

// BeginDAD records a new registration attempt and marks it DAD-in-
// progress. It refuses to reopen DAD for an entry that already
// completed it under the same ML-EID (spec.md invariant I-DUA-2: the
// DAD-in-progress flag is monotonic true->false per registration, never
// reset back to true once cleared for a given ML-EID).
func (r *DUARegistry) BeginDAD(dua, mleid string, rloc uint16) *DUAEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[dua]; ok && existing.MLEID == mleid && !existing.DADInProgress {
		existing.RegistrantRLOC = rloc
		existing.RegisteredAt = time.Now()
		return copyEntry(existing)
	}
	e := &DUAEntry{
		DUA:            dua,
		MLEID:          mleid,
		RegistrantRLOC: rloc,
		RegisteredAt:   time.Now(),
		DADInProgress:  true,
	}
	r.entries[dua] = e
	return copyEntry(e)
}

// Refresh updates registeredAt on an existing same-ML-EID entry
// without touching DADInProgress (spec.md §4.5 step 4 "refresh
// registered_at"). It reports the post-refresh entry and whether DAD
// had already completed, the signal the caller uses to decide whether
// a PRO_BB.ntf re-announce is due.
func (r *DUARegistry) Refresh(dua, mleid string, registeredAt time.Time) (DUAEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dua]
	if !ok || e.MLEID != mleid {
		return DUAEntry{}, false
	}
	e.RegisteredAt = registeredAt
	return *e, true
}

// CompleteDAD clears the in-progress flag for dua after the query
// window elapses with no conflicting answer.
func (r *DUARegistry) CompleteDAD(dua string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[dua]; ok {
		e.DADInProgress = false
	}
}

// Remove deletes the entry for dua (a conflicting DAD answer, a
// PRO_BB.ntf the peer wins, or an address error for it).
func (r *DUARegistry) Remove(dua string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, dua)
}

// RecentlyRegistered reports whether dua was (re)registered with mleid
// within the recent window, the dedup kibra's bbr_dua_registration
// applies before scheduling a fresh DAD round (spec.md §4.4, §5).
func (r *DUARegistry) RecentlyRegistered(dua, mleid string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dua]
	if !ok || e.MLEID != mleid {
		return false
	}
	return now.Sub(e.RegisteredAt) < thread.DUARecentWindow
}

// Count returns the number of entries currently tracked.
func (r *DUARegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// MarkPendingDelete flags dua for removal once its DAD window elapses
// without clearing DAD-in-progress itself (spec.md §3 lifecycle).
func (r *DUARegistry) MarkPendingDelete(dua string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[dua]; ok {
		e.PendingDelete = true
	}
}

// All returns a snapshot of every entry, for periodic re-registration
// sweeps and shutdown bookkeeping.
func (r *DUARegistry) All() []DUAEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DUAEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

func copyEntry(e *DUAEntry) *DUAEntry {
	c := *e
	return &c
}
