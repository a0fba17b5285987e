// Package router assembles the HTTP surface: the websocket upgrade
// route plus health probes.
package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wirepulse/wirepulse/internal/http/middleware"
	"github.com/wirepulse/wirepulse/internal/http/response"
)

// ReadyCheck reports dependency readiness as name → error string
// ("ok" when healthy).
type ReadyCheck func(r *http.Request) (bool, map[string]string)

type Dependencies struct {
	Socket         http.Handler
	ConnectLimiter *middleware.ConnectLimiter
	Readiness      ReadyCheck
	Logger         *slog.Logger
	EnableOTelHTTP bool
}

func New(dep Dependencies) http.Handler {
	if dep.Logger == nil {
		dep.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(dep.Logger))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		ready, checks := dep.Readiness(r)
		if !ready {
			response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready")
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
	})

	socket := dep.Socket
	if dep.ConnectLimiter != nil {
		socket = dep.ConnectLimiter.Middleware(socket)
	}
	r.Handle("/ws", socket)

	if dep.EnableOTelHTTP {
		return otelhttp.NewHandler(r, "wirepulse.http")
	}
	return r
}
