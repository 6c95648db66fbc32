package clock

import "time"

// Clock abstracts the time source used for progress timestamps and poll
// intervals so that durations derived from it stay on one timeline.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock with the process monotonic clock.
type Real struct{}

// Now returns time.Now() without stripping the monotonic reading, so that
// Sub between two Real timestamps is immune to wall-clock steps.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
