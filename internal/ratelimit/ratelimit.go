// Package ratelimit provides the fixed-window request limiter used
// throughout the server: per-subscription push throttling, the global
// invalidation limiter, and the per-IP connect limiter.
//
// A fixed window resets its counter wholesale when the window elapses.
// Bursts straddling a window boundary are therefore accepted; that is
// the intended trade-off, not a bug. Callers that need smoothing
// should shorten the window instead.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrNoWindow = errors.New("ratelimit: no window duration given")
	ErrBadCount = errors.New("ratelimit: max count must be positive")
)

// Spec is the wire-level description of a limiter, as clients send it
// in SUB and PROP_SUB payloads. Exactly one of the duration fields is
// normally set; all are normalized to a single window.
type Spec struct {
	Millis  int64 `json:"ms,omitempty"`
	Seconds int64 `json:"s,omitempty"`
	Minutes int64 `json:"m,omitempty"`
	Max     int   `json:"max"`
}

// Window folds the duration fields into one duration in milliseconds.
func (s Spec) Window() time.Duration {
	ms := s.Millis + s.Seconds*1000 + s.Minutes*60_000
	return time.Duration(ms) * time.Millisecond
}

// FixedWindow counts calls inside [windowStart, windowStart+window).
type FixedWindow struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	window      time.Duration
	max         int
	windowStart time.Time
	count       int
}

// New builds a limiter from an explicit window and count.
func New(window time.Duration, max int, clock clockwork.Clock) (*FixedWindow, error) {
	if window <= 0 {
		return nil, ErrNoWindow
	}
	if max <= 0 {
		return nil, ErrBadCount
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FixedWindow{clock: clock, window: window, max: max}, nil
}

// FromSpec builds a limiter from a client-supplied Spec.
func FromSpec(spec Spec, clock clockwork.Clock) (*FixedWindow, error) {
	return New(spec.Window(), spec.Max, clock)
}

// CheckLimit reports whether the caller is over the limit. A false
// result counts toward the window; a true result does not.
func (l *FixedWindow) CheckLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.windowStart) > l.window {
		l.windowStart = now
		l.count = 1
		return false
	}
	if l.count >= l.max {
		return true
	}
	l.count++
	return false
}

// Window returns the configured window duration.
func (l *FixedWindow) Window() time.Duration { return l.window }

// Max returns the configured per-window count.
func (l *FixedWindow) Max() int { return l.max }
