// Package clock abstracts time so timer-driven behavior (backoff delays,
// quality sampling) can be tested deterministically.
package clock

import "time"

// Clock provides the current time and timer primitives. Components take a
// Clock instead of calling the time package directly so suspension and
// cancellation are explicit.
type Clock interface {
	Now() time.Time
	// After fires once after d, like time.After.
	After(d time.Duration) <-chan time.Time
	// NewTicker fires repeatedly every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the stoppable periodic timer handed out by a Clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real implements Clock with the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()               { t.t.Stop() }
