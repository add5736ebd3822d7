// Package ratelimit throttles diagnostic logging for noisy, attacker- or
// link-controlled events: malformed frames, reassembly overflow, ARP
// exhaustion. It wraps github.com/joeycumines/go-catrate, a multi-window
// per-category rate limiter, so a single misbehaving peer or a flaky link
// cannot flood the log even though the packets themselves are dropped
// silently per spec (spec.md §7: "malformed frames are dropped silently").
package ratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Diagnostics caps how many times per category a diagnostic may log within
// a rolling window. The zero value is a no-op limiter that always allows.
type Diagnostics struct {
	limiter *catrate.Limiter
}

// DefaultWindows bounds a category to 5 events per second and 50 per minute,
// generous enough to see a real burst of malformed input without drowning
// the rest of the log in repeats of the same complaint.
func DefaultWindows() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 50,
	}
}

// New constructs a Diagnostics limiter from the given rate windows. A nil or
// empty map disables rate limiting (every call to Allow returns true).
func New(windows map[time.Duration]int) *Diagnostics {
	if len(windows) == 0 {
		return &Diagnostics{}
	}
	return &Diagnostics{limiter: catrate.NewLimiter(windows)}
}

// Allow reports whether a diagnostic for category may be logged now. It
// never blocks and never affects whether the underlying packet is dropped
// or accepted — only whether that drop gets a log line.
func (d *Diagnostics) Allow(category any) bool {
	if d == nil || d.limiter == nil {
		return true
	}
	_, ok := d.limiter.Allow(category)
	return ok
}
