package session

import "sync"

// Slot is the single activity slot shared by calls and broadcasts. Owners
// are call ids or broadcast keys; re-acquiring with the same owner succeeds.
type Slot struct {
	mu    sync.Mutex
	owner string
}

func (s *Slot) Acquire(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		return false
	}
	s.owner = owner
	return true
}

// Release frees the slot if owner holds it
func (s *Slot) Release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
}

// Owner returns the current holder, empty when free
func (s *Slot) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}
