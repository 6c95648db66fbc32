package clock

import (
	"sync"
	"time"
)

// Stepping is a deterministic clock for tests. Calling After advances the
// clock by d immediately and returns an already-fired channel, so a poll
// loop driven by it runs through simulated time without sleeping.
type Stepping struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepping returns a Stepping clock starting at start.
func NewStepping(start time.Time) *Stepping {
	return &Stepping{now: start}
}

// Now returns the current simulated time.
func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After advances the clock by d and fires immediately.
func (s *Stepping) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- s.Advance(d)
	return ch
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored.
func (s *Stepping) Advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	return s.now
}
