package detector

import (
	"sync"
	"time"
)

// profileStore keeps per-entity profiles behind a two-level lock: a
// store-wide RWMutex guarding the map, and a per-entry Mutex guarding
// the profile. Scoring one entity never blocks scoring another, and
// the map lock is only held long enough to find or insert the entry.
type profileStore[P any] struct {
	mu      sync.RWMutex
	entries map[string]*profileEntry[P]
	newFn   func() *P
}

type profileEntry[P any] struct {
	mu       sync.Mutex
	profile  *P
	lastSeen time.Time
}

func newProfileStore[P any](newFn func() *P) *profileStore[P] {
	return &profileStore[P]{
		entries: make(map[string]*profileEntry[P]),
		newFn:   newFn,
	}
}

// visit runs fn with the entity's profile locked, creating the profile
// on first sight. fn is the entity's critical section: everything a
// detector reads and writes for one transaction happens inside it.
func (s *profileStore[P]) visit(id string, now time.Time, fn func(p *P)) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		e, ok = s.entries[id]
		if !ok {
			e = &profileEntry[P]{profile: s.newFn()}
			s.entries[id] = e
		}
		s.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	fn(e.profile)
}

// peek runs fn with the profile locked if the entity exists, without
// creating it or touching lastSeen. Returns false when absent.
func (s *profileStore[P]) peek(id string, fn func(p *P)) bool {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.profile)
	return true
}

// sweep removes entries idle since before cutoff and reports how many.
func (s *profileStore[P]) sweep(cutoff time.Time) int {
	return s.sweepWith(cutoff, nil)
}

// sweepWith is sweep with a per-eviction callback, for detectors that
// hold secondary indexes keyed by entity id. The callback runs under
// the store lock; it must not call back into the store.
func (s *profileStore[P]) sweepWith(cutoff time.Time, evicted func(id string)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		stale := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			removed++
			if evicted != nil {
				evicted(id)
			}
		}
	}
	return removed
}

func (s *profileStore[P]) reset() {
	s.mu.Lock()
	s.entries = make(map[string]*profileEntry[P])
	s.mu.Unlock()
}

func (s *profileStore[P]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
