package ir

import "time"

// Clock supplies wall-clock time. Timestamps are recorded for audit and as a
// reducer tie-breaker; they never decide identity on their own.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC, truncated to microseconds to match storage precision.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
