// Package ratelimit implements a sliding-window admission limiter for
// outbound chat messages. Twitch enforces a per-connection message budget
// (20 messages per 30s for regular users); the limiter keeps us under it
// locally so the remote side never has to.
package ratelimit

import "time"

// Limiter admits up to capacity actions per window. Entries older than the
// window are purged lazily on each Allow call. A denied call has no side
// effects.
//
// The limiter is not internally locked: each connection owns one limiter and
// the orchestrator serializes all access to a connection's outbound path.
type Limiter struct {
	capacity int
	window   time.Duration
	stamps   []time.Time

	// now is swapped in tests to avoid wall-clock sleeps.
	now func() time.Time
}

// New returns a limiter admitting capacity actions per window.
func New(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 20
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Limiter{capacity: capacity, window: window, now: time.Now}
}

// Allow reports whether another action may proceed now, recording it if so.
func (l *Limiter) Allow() bool {
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, t := range l.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.stamps = kept
	if len(l.stamps) >= l.capacity {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining returns how many admissions are left in the current window.
func (l *Limiter) Remaining() int {
	cutoff := l.now().Add(-l.window)
	inWindow := 0
	for _, t := range l.stamps {
		if t.After(cutoff) {
			inWindow++
		}
	}
	return l.capacity - inWindow
}
