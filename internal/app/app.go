// Package app is the composition root: it turns a validated config
// into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wirepulse/wirepulse/internal/config"
	"github.com/wirepulse/wirepulse/internal/http/middleware"
	"github.com/wirepulse/wirepulse/internal/http/router"
	"github.com/wirepulse/wirepulse/internal/observability"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/ratelimit"
	"github.com/wirepulse/wirepulse/internal/security"
	"github.com/wirepulse/wirepulse/internal/service"
	"github.com/wirepulse/wirepulse/internal/sqlexec"
	"github.com/wirepulse/wirepulse/internal/ws"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Registry      *service.Registry
	Server        *http.Server
	Observability *observability.Runtime

	store *sqlexec.Store
	redis *redis.Client
}

// Overrides carries the pieces an embedder may inject before Build
// wires the registry. Zero-value fields keep the built-in behavior.
type Overrides struct {
	Hooks     service.Hooks
	Arbiter   service.Arbiter
	Decrypter service.Decrypter
	Executor  service.QueryExecutor
}

// Build assembles the full server. It fails fast: a config that names
// a dependency which cannot be reached is a startup error, not a
// degraded runtime.
func Build(ctx context.Context, cfg *config.Config, overrides Overrides) (*App, error) {
	bootLogger := slog.Default()
	runtime, err := observability.InitRuntime(ctx, cfg, bootLogger)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logger := observability.NewLogger(cfg, runtime.LoggerProvider)

	var redisClient *redis.Client
	backend := ratelimit.NewLocalBackend(nil)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		backend = ratelimit.NewRedisBackend(redisClient, "")
	}

	executor := overrides.Executor
	var store *sqlexec.Store
	if executor == nil && cfg.DBDSN != "" {
		store, err = sqlexec.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		executor = store.Query
	}

	var recon *service.Reconnector
	secret, err := cfg.ReconnectSecret()
	if err != nil {
		return nil, err
	}
	if len(secret) > 0 {
		box, err := security.NewAEADTokenBox(secret)
		if err != nil {
			return nil, fmt.Errorf("reconnect cipher: %w", err)
		}
		recon = service.NewReconnector(box, cfg.ReconnectTTL, nil)
	}

	hooks := overrides.Hooks
	if hooks.Authenticate == nil && cfg.JWTSecret != "" {
		verifier := security.NewJWTAuthenticator(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)
		hooks.Authenticate = func(_ context.Context, req protocol.AuthRequest) (any, error) {
			return verifier.Verify(req.Token)
		}
	}

	var updateLimit *ratelimit.Spec
	if cfg.UpdateLimitMax > 0 {
		updateLimit = &ratelimit.Spec{
			Millis: cfg.UpdateLimitWindow.Milliseconds(),
			Max:    cfg.UpdateLimitMax,
		}
	}
	registry, err := service.NewRegistry(service.RegistryOptions{
		Executor:              executor,
		Arbiter:               overrides.Arbiter,
		Decrypter:             overrides.Decrypter,
		Hooks:                 hooks,
		Recon:                 recon,
		UpdateLimit:           updateLimit,
		DeleteDelay:           cfg.SessionDeleteDelay,
		SessionTTL:            cfg.SessionTTL,
		SweepEvery:            cfg.SessionSweepEvery,
		PropSendAsDiffDefault: cfg.PropSendAsDiffDefault,
		PropReapGrace:         cfg.PropReapGrace,
		Strict:                cfg.StrictErrors,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	var connectLimiter *middleware.ConnectLimiter
	if cfg.ConnectLimitMax > 0 {
		mode := ratelimit.FailureMode(cfg.RateLimitMode)
		keyed := ratelimit.NewKeyedLimiter(backend, cfg.ConnectLimitMax, cfg.ConnectLimitWindow, mode)
		connectLimiter = middleware.NewConnectLimiter(keyed, mode, logger)
	}

	handler := router.New(router.Dependencies{
		Socket:         ws.NewHandler(registry, logger),
		ConnectLimiter: connectLimiter,
		Readiness:      readiness(redisClient, store),
		Logger:         logger,
		EnableOTelHTTP: cfg.OTELTracesEnabled,
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Registry:      registry,
		Server:        server,
		Observability: runtime,
		store:         store,
		redis:         redisClient,
	}, nil
}

func readiness(redisClient *redis.Client, store *sqlexec.Store) router.ReadyCheck {
	return func(r *http.Request) (bool, map[string]string) {
		checks := make(map[string]string)
		ready := true
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		}
		if store != nil {
			if _, err := store.Query(r.Context(), "", "", "SELECT 1", nil); err != nil {
				checks["database"] = err.Error()
				ready = false
			} else {
				checks["database"] = "ok"
			}
		}
		return ready, checks
	}
}

// Run serves until ctx is cancelled, then drains within the
// configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.Registry.RunSweep(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.Registry.Shutdown()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	return errors.Join(errs...)
}
