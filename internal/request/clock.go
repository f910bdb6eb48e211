package request

import "time"

// Clock supplies wall time for settime requests without an explicit argument.
type Clock interface {
	Synchronized() bool
	Now() time.Time
}

// SystemClock reads the host clock. The host OS owns time synchronisation, so
// Synced is a configuration statement rather than a probe.
type SystemClock struct {
	Synced   bool
	Location *time.Location
}

func (c SystemClock) Synchronized() bool { return c.Synced }

func (c SystemClock) Now() time.Time {
	now := time.Now()
	if c.Location != nil {
		return now.In(c.Location)
	}
	return now
}

// FixedClock always reports the same instant. Used by one-shot CLI runs and tests.
type FixedClock struct {
	Time time.Time
}

func (c FixedClock) Synchronized() bool { return !c.Time.IsZero() }
func (c FixedClock) Now() time.Time     { return c.Time }
