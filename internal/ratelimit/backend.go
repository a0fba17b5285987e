package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backend is a keyed fixed-window counter shared by every connection
// of one deployment. The in-process backend is the default; the Redis
// backend lets multiple instances agree on a per-IP budget.
type Backend interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// FailureMode decides what a keyed limiter does when its backend
// errors out.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

type localBackend struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	windows map[string]*localWindow
	cleanup time.Time
}

type localWindow struct {
	start time.Time
	count int
}

// NewLocalBackend returns an in-process Backend.
func NewLocalBackend(clock clockwork.Clock) Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &localBackend{
		clock:   clock,
		windows: make(map[string]*localWindow),
		cleanup: clock.Now().Add(time.Minute),
	}
}

func (b *localBackend) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.After(b.cleanup) {
		for k, w := range b.windows {
			if now.Sub(w.start) > 2*window {
				delete(b.windows, k)
			}
		}
		b.cleanup = now.Add(window)
	}

	w, ok := b.windows[key]
	if !ok || now.Sub(w.start) > window {
		b.windows[key] = &localWindow{start: now, count: 1}
		return true, nil
	}
	if w.count >= max {
		return false, nil
	}
	w.count++
	return true, nil
}

// KeyedLimiter applies one policy across many keys, degrading per its
// failure mode when the backend is unavailable.
type KeyedLimiter struct {
	backend Backend
	max     int
	window  time.Duration
	mode    FailureMode
}

func NewKeyedLimiter(backend Backend, max int, window time.Duration, mode FailureMode) *KeyedLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if mode == "" {
		mode = FailClosed
	}
	return &KeyedLimiter{backend: backend, max: max, window: window, mode: mode}
}

// Allow reports whether the key has budget left in its current window.
func (k *KeyedLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := k.backend.Allow(ctx, key, k.max, k.window)
	if err != nil {
		if k.mode == FailOpen {
			return true, err
		}
		return false, err
	}
	return allowed, nil
}

// Window returns the policy window, used for Retry-After hints.
func (k *KeyedLimiter) Window() time.Duration { return k.window }
