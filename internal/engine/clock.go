package engine

import "sync/atomic"

// Sequence hands out intake positions. Queue order within a class is
// decided by position, never by wall-clock time, so two operations
// submitted in the same millisecond still have a strict order and a
// requeued entry keeps its original place.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a sequence whose first position is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next claims the next position.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Last returns the most recently claimed position, or the start value.
func (s *Sequence) Last() uint64 {
	return s.n.Load()
}
