// Package clock is the only place ruleflow reads wall-clock time.
//
// Every component that needs "now" or a timer takes a Clock. Production code
// uses System; tests use Manual, which only moves when told to and fires due
// timers synchronously, so temporal logic can be exercised without sleeping.
package clock

import "time"

// Clock is an injectable time source.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (System) or synchronously from
	// Advance/Set (Manual) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// System is the production clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
