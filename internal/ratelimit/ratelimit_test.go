package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(0, 5, nil); err != ErrNoWindow {
		t.Fatalf("expected ErrNoWindow, got %v", err)
	}
	if _, err := New(time.Second, 0, nil); err != ErrBadCount {
		t.Fatalf("expected ErrBadCount, got %v", err)
	}
	if _, err := New(time.Second, -3, nil); err != ErrBadCount {
		t.Fatalf("expected ErrBadCount for negative count, got %v", err)
	}
}

func TestSpecNormalizesToMilliseconds(t *testing.T) {
	cases := []struct {
		spec Spec
		want time.Duration
	}{
		{Spec{Millis: 250}, 250 * time.Millisecond},
		{Spec{Seconds: 2}, 2 * time.Second},
		{Spec{Minutes: 1}, time.Minute},
		{Spec{Seconds: 1, Millis: 500}, 1500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := c.spec.Window(); got != c.want {
			t.Fatalf("Window(%+v)=%v want %v", c.spec, got, c.want)
		}
	}
	if _, err := FromSpec(Spec{Max: 3}, nil); err != ErrNoWindow {
		t.Fatalf("expected ErrNoWindow for empty spec, got %v", err)
	}
}

func TestCheckLimitExactBudgetPerWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(time.Second, 3, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if l.CheckLimit() {
			t.Fatalf("call %d unexpectedly denied", i+1)
		}
	}
	if !l.CheckLimit() {
		t.Fatal("4th call within window should be denied")
	}
	if !l.CheckLimit() {
		t.Fatal("denial must not consume budget")
	}
}

func TestCheckLimitResetsAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(time.Second, 1, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.CheckLimit() {
		t.Fatal("first call denied")
	}
	if !l.CheckLimit() {
		t.Fatal("second call in window should be denied")
	}
	clock.Advance(time.Second + time.Millisecond)
	if l.CheckLimit() {
		t.Fatal("call after window elapsed should always be allowed")
	}
}

func TestLocalBackendKeysAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewLocalBackend(clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := b.Allow(ctx, "1.2.3.4", 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("allow %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _ := b.Allow(ctx, "1.2.3.4", 2, time.Minute)
	if ok {
		t.Fatal("third call for same key should be denied")
	}
	ok, _ = b.Allow(ctx, "9.9.9.9", 2, time.Minute)
	if !ok {
		t.Fatal("other key must have its own window")
	}
	clock.Advance(2 * time.Minute)
	ok, _ = b.Allow(ctx, "1.2.3.4", 2, time.Minute)
	if !ok {
		t.Fatal("window should reset after it elapses")
	}
}

type errBackend struct{ err error }

func (b errBackend) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, b.err
}

func TestKeyedLimiterFailureModes(t *testing.T) {
	backendErr := context.DeadlineExceeded

	open := NewKeyedLimiter(errBackend{backendErr}, 5, time.Minute, FailOpen)
	ok, err := open.Allow(context.Background(), "k")
	if !ok || err == nil {
		t.Fatalf("fail_open should allow and surface the error, got ok=%v err=%v", ok, err)
	}

	closed := NewKeyedLimiter(errBackend{backendErr}, 5, time.Minute, FailClosed)
	ok, err = closed.Allow(context.Background(), "k")
	if ok || err == nil {
		t.Fatalf("fail_closed should deny and surface the error, got ok=%v err=%v", ok, err)
	}
}
