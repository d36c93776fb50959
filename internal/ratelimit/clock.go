package ratelimit

import "time"

// Clock supplies timestamps for window accounting.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock. Readings carry Go's monotonic component,
// so window arithmetic is not affected by wall clock steps.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
