// Package clock lets the timer wheel, the connection guard and the log sink
// read time through an interface so tests can move it by hand.
package clock

import "time"

// Clock is the time source used by expiry and rotation decisions.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current local time. Log rotation keys on the local day.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
