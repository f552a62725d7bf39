package contracts

import "time"

// Clock provides authority time. Components take an injected Clock so
// tests can pin time; production wiring passes WallClock.
type Clock interface {
	Now() time.Time
}

// WallClock is the default wall-clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. For tests.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
