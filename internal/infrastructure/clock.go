package infrastructure

import (
	"time"
)

// Clock supplies the current time to the core. Every lifecycle decision
// (expiry, liveness, risk windows) reads time through a Clock so evaluation
// stays deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
