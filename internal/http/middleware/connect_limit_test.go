package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestConnectLimiterAllowsWithinBudget(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(ratelimit.NewLocalBackend(nil), 2, time.Minute, ratelimit.FailClosed)
	h := NewConnectLimiter(limiter, ratelimit.FailClosed, nil).Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:5001"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over budget, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Error.Code != protocol.ErrRateLimited {
		t.Fatalf("expected %s error code, got %q", protocol.ErrRateLimited, env.Error.Code)
	}
}

func TestConnectLimiterKeysPerIP(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(ratelimit.NewLocalBackend(nil), 1, time.Minute, ratelimit.FailClosed)
	h := NewConnectLimiter(limiter, ratelimit.FailClosed, nil).Middleware(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/ws", nil)
	first.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/ws", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("different ip must have its own budget, got %d", rec.Code)
	}
}

func TestConnectLimiterHonorsForwardedFor(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(ratelimit.NewLocalBackend(nil), 1, time.Minute, ratelimit.FailClosed)
	h := NewConnectLimiter(limiter, ratelimit.FailClosed, nil).Middleware(okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "172.16.0.1:1234"
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 172.16.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

type failingBackend struct{}

func (failingBackend) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("backend down")
}

func TestConnectLimiterFailureModes(t *testing.T) {
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		return r
	}

	open := ratelimit.NewKeyedLimiter(failingBackend{}, 1, time.Minute, ratelimit.FailOpen)
	h := NewConnectLimiter(open, ratelimit.FailOpen, nil).Middleware(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusOK {
		t.Fatalf("fail_open should admit on backend error, got %d", rec.Code)
	}

	closed := ratelimit.NewKeyedLimiter(failingBackend{}, 1, time.Minute, ratelimit.FailClosed)
	h = NewConnectLimiter(closed, ratelimit.FailClosed, nil).Middleware(okHandler())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fail_closed should refuse on backend error, got %d", rec.Code)
	}
}
