package clock

import "time"

// FakeClock is a Clock pinned to a fixed instant so tests can step time
// across reservation expiry and dwell boundaries deterministically. Not
// safe for concurrent use.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a FakeClock pinned to t, normalized to UTC like
// the system clock.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the pinned instant forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
