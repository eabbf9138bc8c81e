package job

import "time"

// Throttle coalesces bursts of progress updates. The first call is always
// allowed; later calls pass once Interval has elapsed since the last one
// that passed. A zero Interval allows everything.
type Throttle struct {
	Interval time.Duration
	last     time.Time
	fired    bool
}

// NewThrottle creates a throttle with the given interval
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{Interval: interval}
}

// Allow reports whether an update at now should be emitted
func (t *Throttle) Allow(now time.Time) bool {
	if t.fired && now.Sub(t.last) < t.Interval {
		return false
	}
	t.last = now
	t.fired = true
	return true
}
