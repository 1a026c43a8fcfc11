package call

import "sync"

// IceCandidateBuffer holds remote connectivity candidates that arrive
// before the session has a remote description to apply them against.
// Candidates are kept in receipt order; draining delivers each candidate
// exactly once.
type IceCandidateBuffer struct {
	mu      sync.Mutex
	pending []string
}

// NewIceCandidateBuffer creates an empty buffer.
func NewIceCandidateBuffer() *IceCandidateBuffer {
	return &IceCandidateBuffer{}
}

// Add appends a candidate to the buffer.
func (b *IceCandidateBuffer) Add(candidate string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, candidate)
}

// Drain returns all buffered candidates in receipt order and clears the
// buffer. Returns nil when the buffer is empty.
func (b *IceCandidateBuffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.pending
	b.pending = nil
	return drained
}

// Len returns the number of buffered candidates.
func (b *IceCandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
