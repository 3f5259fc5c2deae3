// Package ratelimit implements per-session sliding-window admission control
// for inbound commands.
//
// The limiter holds no clock and no shared state: callers own one [State] per
// session and pass the current time to [Limiter.Check], which keeps the
// limiter deterministic under test.
package ratelimit

import "time"

// State is the admission history of one session. The zero value is ready to
// use. State is not safe for concurrent use; callers guard it with the lock
// that protects the rest of the session.
type State struct {
	hits []time.Time
}

// Hits returns the number of admissions currently remembered.
func (s *State) Hits() int { return len(s.hits) }

// Decision is the outcome of a [Limiter.Check].
type Decision struct {
	Allowed bool

	// RetryAfter is how long until the oldest admission leaves the window.
	// Zero when Allowed is true.
	RetryAfter time.Duration
}

// Limiter admits at most MaxHits calls within any Window. A non-positive
// MaxHits or Window disables limiting.
type Limiter struct {
	Window  time.Duration
	MaxHits int
}

// Enabled reports whether l rejects anything at all.
func (l Limiter) Enabled() bool {
	return l.MaxHits > 0 && l.Window > 0
}

// Check prunes st to the window ending at now and admits the call when fewer
// than MaxHits admissions remain. An admitted call is recorded in st.
func (l Limiter) Check(st *State, now time.Time) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}

	kept := st.hits[:0]
	for _, h := range st.hits {
		if now.Sub(h) < l.Window {
			kept = append(kept, h)
		}
	}
	st.hits = kept

	if len(st.hits) >= l.MaxHits {
		retry := st.hits[0].Add(l.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{RetryAfter: retry}
	}
	st.hits = append(st.hits, now)
	return Decision{Allowed: true}
}
