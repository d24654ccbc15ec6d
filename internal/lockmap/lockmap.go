// Package lockmap provides a soft, in-process map of expiring locks.
//
// Acquisition is non-blocking: a caller that loses the race simply gives
// up its action (drop the message, skip the card refresh). Correctness
// never depends on these locks; the store re-read after acquisition is
// the real backstop for cross-process races.
package lockmap

import (
	"sync"
	"time"
)

// Map holds string-keyed locks with per-lock deadlines.
type Map struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	now       func() time.Time
}

// New returns an empty lock map.
func New() *Map {
	return &Map{
		deadlines: make(map[string]time.Time),
		now:       time.Now,
	}
}

// TryAcquire takes the lock for key if it is free or expired. Expired
// entries are pruned opportunistically on every acquisition attempt, so
// the map stays bounded by the active key set without a janitor goroutine.
func (m *Map) TryAcquire(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, dl := range m.deadlines {
		if now.After(dl) {
			delete(m.deadlines, k)
		}
	}

	if _, held := m.deadlines[key]; held {
		return false
	}
	m.deadlines[key] = now.Add(ttl)
	return true
}

// Release frees the lock for key before its TTL runs out.
func (m *Map) Release(key string) {
	m.mu.Lock()
	delete(m.deadlines, key)
	m.mu.Unlock()
}

// Len reports the number of currently held (non-expired) locks.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now()
	for _, dl := range m.deadlines {
		if !now.After(dl) {
			n++
		}
	}
	return n
}
