package config

import "sync"

// Store holds the live tuning shared between the pipeline and the HTTP API.
// The pipeline snapshots it once per cycle; the API replaces fields through
// Apply, so parameter updates take effect on the next cycle without a
// restart.
type Store struct {
	mu  sync.RWMutex
	cur Tuning
}

// NewStore creates a store seeded with the given tuning. A nil tuning seeds
// an empty one (all defaults).
func NewStore(t *Tuning) *Store {
	s := &Store{}
	if t != nil {
		s.cur = *t
	}
	return s
}

// Current returns a copy of the live tuning.
func (s *Store) Current() Tuning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply overlays a validated patch onto the live tuning. An invalid patch
// leaves the store unchanged and returns the validation error.
func (s *Store) Apply(patch *Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Merge(patch)
}
