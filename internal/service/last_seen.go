package service

import (
	"sync"
	"time"
)

// LastSeenRegistry maps a plate to the time of its last committed toll.
type LastSeenRegistry struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewLastSeenRegistry() *LastSeenRegistry {
	return &LastSeenRegistry{entries: make(map[string]time.Time)}
}

func (r *LastSeenRegistry) Get(plate string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[plate]
	return t, ok
}

func (r *LastSeenRegistry) Set(plate string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[plate] = at
}

// Within reports whether plate was billed less than window before now.
func (r *LastSeenRegistry) Within(plate string, now time.Time, window time.Duration) bool {
	last, ok := r.Get(plate)
	if !ok {
		return false
	}
	return now.Sub(last) < window
}

// Prune drops entries last billed at or before cutoff and returns how many went.
func (r *LastSeenRegistry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for plate, at := range r.entries {
		if !at.After(cutoff) {
			delete(r.entries, plate)
			removed++
		}
	}
	return removed
}

func (r *LastSeenRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
