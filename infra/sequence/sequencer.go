package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic sequence IDs shared by any number
// of goroutines.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence ID.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Block reserves n consecutive IDs and returns the first. Workers that tag
// many values take a block once instead of contending on every value.
func (s *Sequencer) Block(n uint64) uint64 {
	return s.next.Add(n) - n + 1
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset sets the sequencer to a specific value. Only safe between runs.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
