// Package config loads server configuration from the environment.
// Every knob has a default suitable for local development; validation
// failures are reported with the variable name so deployments fail
// loudly at startup.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Profile    string
	ListenAddr string
	LogDebug   bool

	// StrictErrors propagates internal inconsistencies as panics
	// instead of per-request degradation. Meant for tests and
	// fail-fast deployments.
	StrictErrors bool

	// Session lifecycle.
	SessionDeleteDelay time.Duration
	SessionTTL         time.Duration
	SessionSweepEvery  time.Duration

	// Global invalidation limiter; zero max disables it.
	UpdateLimitMax    int
	UpdateLimitWindow time.Duration

	// Per-IP connect limiter on the upgrade route.
	ConnectLimitMax    int
	ConnectLimitWindow time.Duration
	RateLimitMode      string

	RedisAddr string

	// Prop store.
	PropSendAsDiffDefault bool
	PropReapGrace         time.Duration

	// Reconnection protocol. An empty secret disables it outright.
	ReconnectSecretHex string
	ReconnectTTL       time.Duration

	// Default authenticate hook; empty secret leaves AUTH to an
	// embedder-provided hook.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Reference query executor; empty DSN leaves the server without
	// one unless the embedder injects theirs.
	DBDriver string
	DBDSN    string

	ShutdownTimeout time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Profile:                   envString("WIREPULSE_PROFILE", "dev"),
		ListenAddr:                envString("LISTEN_ADDR", ":8080"),
		LogDebug:                  envBool("LOG_DEBUG", false),
		StrictErrors:              envBool("STRICT_ERRORS", false),
		RedisAddr:                 envString("REDIS_ADDR", ""),
		RateLimitMode:             envString("RATE_LIMIT_MODE", "fail_closed"),
		PropSendAsDiffDefault:     envBool("PROP_SEND_AS_DIFF", true),
		ReconnectSecretHex:        envString("RECONNECT_SECRET", ""),
		JWTSecret:                 envString("JWT_SECRET", ""),
		JWTIssuer:                 envString("JWT_ISSUER", "wirepulse"),
		JWTAudience:               envString("JWT_AUDIENCE", "wirepulse-clients"),
		DBDriver:                  envString("DB_DRIVER", "sqlite"),
		DBDSN:                     envString("DB_DSN", ""),
		OTELServiceName:           envString("OTEL_SERVICE_NAME", "wirepulse"),
		OTELEnvironment:           envString("OTEL_ENVIRONMENT", "dev"),
		OTELExporterOTLPEndpoint:  envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        envBool("OTEL_METRICS_ENABLED", false),
		OTELTracesEnabled:         envBool("OTEL_TRACES_ENABLED", false),
		OTELLogsEnabled:           envBool("OTEL_LOGS_ENABLED", false),
	}

	var err error
	load := func(name, fallback string) time.Duration {
		d, derr := envDuration(name, fallback)
		if derr != nil && err == nil {
			err = derr
		}
		return d
	}
	cfg.SessionDeleteDelay = load("SESSION_DELETE_DELAY", "10s")
	cfg.SessionTTL = load("SESSION_TTL", "0")
	cfg.SessionSweepEvery = load("SESSION_SWEEP_EVERY", "30s")
	cfg.UpdateLimitWindow = load("UPDATE_LIMIT_WINDOW", "1s")
	cfg.ConnectLimitWindow = load("CONNECT_LIMIT_WINDOW", "1m")
	cfg.PropReapGrace = load("PROP_REAP_GRACE", "30s")
	cfg.ReconnectTTL = load("RECONNECT_TTL", "1m")
	cfg.ShutdownTimeout = load("SHUTDOWN_TIMEOUT", "10s")
	cfg.OTELMetricsExportInterval = load("OTEL_METRICS_EXPORT_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}

	cfg.UpdateLimitMax, err = envInt("UPDATE_LIMIT_MAX", 0)
	if err != nil {
		return nil, err
	}
	cfg.ConnectLimitMax, err = envInt("CONNECT_LIMIT_MAX", 60)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	switch c.RateLimitMode {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("RATE_LIMIT_MODE must be fail_open or fail_closed, got %q", c.RateLimitMode)
	}
	if c.SessionDeleteDelay <= 0 {
		return fmt.Errorf("SESSION_DELETE_DELAY must be positive")
	}
	if c.SessionTTL > 0 && c.SessionSweepEvery <= 0 {
		return fmt.Errorf("SESSION_SWEEP_EVERY must be positive when SESSION_TTL is set")
	}
	if c.ReconnectSecretHex != "" {
		if _, err := c.ReconnectSecret(); err != nil {
			return err
		}
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	return nil
}

// ReconnectSecret decodes the hex token key; 32 bytes required.
func (c *Config) ReconnectSecret() ([]byte, error) {
	raw, err := hex.DecodeString(c.ReconnectSecretHex)
	if err != nil {
		return nil, fmt.Errorf("RECONNECT_SECRET must be hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("RECONNECT_SECRET must decode to 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

func envString(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// envDuration accepts Go duration syntax plus bare integers, which
// are read as milliseconds.
func envDuration(name, fallback string) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		v = fallback
	}
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
