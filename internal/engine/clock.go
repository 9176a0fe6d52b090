package engine

import "time"

// Clock stamps committed records.
//
// SystemClock is used in production; tests inject a deterministic clock so
// record timestamps are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
