package scoreboard

import (
	"math"
	"time"
)

// Timer tracks elapsed time since it was last reset, matching the
// source system's Timer class: a never-reset Timer reports infinite
// elapsed/expired time, so a fresh Slot's cooldown and issue timers
// don't spuriously block admission.
type Timer struct {
	last time.Time
	set  bool
}

// Reset marks the timer as started now.
func (t *Timer) Reset() {
	t.last = time.Now()
	t.set = true
}

// Elapsed returns the duration since the last Reset, or +Inf if never
// reset.
func (t *Timer) Elapsed() time.Duration {
	if !t.set {
		return time.Duration(math.MaxInt64)
	}
	return time.Since(t.last)
}

// Expired reports whether Elapsed() >= d.
func (t *Timer) Expired(d time.Duration) bool {
	return t.Elapsed() >= d
}
