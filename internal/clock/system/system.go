// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to the
// microsecond precision of a Postgres timestamptz, so a value read back
// from the job store compares equal to the one written.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
