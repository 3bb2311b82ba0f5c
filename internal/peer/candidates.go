package peer

import "sync"

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description is applied and replays them in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []Candidate
	apply   func(Candidate) error
}

// Add applies c once the buffer has been flushed, or queues it. It reports
// whether the candidate was applied immediately.
func (b *CandidateBuffer) Add(c Candidate) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.apply == nil {
		b.pending = append(b.pending, c)
		return false, nil
	}
	return true, b.apply(c)
}

// Flush marks the remote description as set and applies every queued
// candidate in order; later candidates go straight to apply. The first
// error is returned after all were attempted. apply runs under the buffer
// lock and must not call back into it.
func (b *CandidateBuffer) Flush(apply func(Candidate) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	b.apply = apply

	var first error
	for _, c := range pending {
		if err := apply(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len returns the number of queued candidates
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset drops queued candidates and returns to buffering mode
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.apply = nil
}
