package device

import "sync/atomic"

// Suspender is a reference-counted suspend flag shared by controllers that
// must not talk to a device at the same time. The count never drops below
// zero.
type Suspender struct {
	n atomic.Int32
}

// Suspend increments the count.
func (s *Suspender) Suspend() {
	s.n.Add(1)
}

// Resume decrements the count unless it is already zero.
func (s *Suspender) Resume() {
	for {
		cur := s.n.Load()
		if cur <= 0 {
			return
		}
		if s.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Suspended reports whether the count is above zero.
func (s *Suspender) Suspended() bool {
	return s.n.Load() > 0
}

// Count returns the current count.
func (s *Suspender) Count() int {
	return int(s.n.Load())
}
