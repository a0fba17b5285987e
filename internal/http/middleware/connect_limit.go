// Package middleware holds the HTTP-side request plumbing in front of
// the websocket upgrade.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wirepulse/wirepulse/internal/http/response"
	"github.com/wirepulse/wirepulse/internal/observability"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
)

// ConnectLimiter throttles connection attempts per client IP before
// the upgrade ever happens; a reconnect storm is cheapest to absorb
// as a plain 429.
type ConnectLimiter struct {
	limiter *ratelimit.KeyedLimiter
	mode    ratelimit.FailureMode
	logger  *slog.Logger
}

func NewConnectLimiter(limiter *ratelimit.KeyedLimiter, mode ratelimit.FailureMode, logger *slog.Logger) *ConnectLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectLimiter{limiter: limiter, mode: mode, logger: logger}
}

func (cl *ConnectLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIPKey(r)
		allowed, err := cl.limiter.Allow(r.Context(), key)
		if err != nil {
			if cl.mode == ratelimit.FailOpen {
				observability.RecordRateLimitDecision("connect", "backend_error_allow")
				cl.logger.Warn("rate limit backend unavailable, allowing connection", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			observability.RecordRateLimitDecision("connect", "backend_error_deny")
			cl.logger.Error("rate limit backend unavailable, refusing connection", "error", err)
			writeRetryAfter(w, cl.limiter.Window())
			response.Error(w, r, http.StatusTooManyRequests, protocol.ErrRateLimited, "too many connection attempts")
			return
		}
		if !allowed {
			observability.RecordRateLimitDecision("connect", "deny")
			writeRetryAfter(w, cl.limiter.Window())
			response.Error(w, r, http.StatusTooManyRequests, protocol.ErrRateLimited, "too many connection attempts")
			return
		}
		observability.RecordRateLimitDecision("connect", "allow")
		next.ServeHTTP(w, r)
	})
}

func writeRetryAfter(w http.ResponseWriter, window time.Duration) {
	seconds := int(window.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
}

func clientIPKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
