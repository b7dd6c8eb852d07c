package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from an optional JSON file path and applies
// environment variable overrides. Validation is deferred so CLI flag
// overrides can be applied first.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	return cfg, nil
}

// loadFromFile overlays a JSON config file onto cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	return nil
}

// applyEnvironmentOverrides applies configuration from BRIDGE_* environment
// variables. Environment always wins over the config file.
func applyEnvironmentOverrides(cfg *Config) {
	envStr("BRIDGE_ADDR", &cfg.Addr)
	envStr("BRIDGE_STORE_PATH", &cfg.StorePath)
	envStr("BRIDGE_LOGS_DIR", &cfg.LogsDir)
	envStr("BRIDGE_LOG_LEVEL", &cfg.LogLevel)
	envStr("BRIDGE_LOG_FORMAT", &cfg.LogFormat)
	envInt("BRIDGE_LOG_RETAIN", &cfg.LogRetain)
	envInt("BRIDGE_RETENTION_DAYS", &cfg.RetentionDays)

	envStr("BRIDGE_JWT_ISSUER", &cfg.JWT.Issuer)
	envDur("BRIDGE_JWT_ACCESS_TTL", &cfg.JWT.AccessTTL)
	envDur("BRIDGE_JWT_REFRESH_TTL", &cfg.JWT.RefreshTTL)

	envBool("BRIDGE_SEED_ADMIN", &cfg.Seed.AdminEnabled)
	envStr("BRIDGE_SEED_ADMIN_USERNAME", &cfg.Seed.AdminUsername)
	envStr("BRIDGE_SEED_ADMIN_PASSWORD", &cfg.Seed.AdminPassword)
	envStr("BRIDGE_SEED_ADMIN_EMAIL", &cfg.Seed.AdminEmail)

	envInt("BRIDGE_LOCKOUT_THRESHOLD", &cfg.Auth.LockoutThreshold)
	envDur("BRIDGE_LOCKOUT_WINDOW", &cfg.Auth.LockoutWindow)
	envDur("BRIDGE_LOCKOUT_BASE", &cfg.Auth.LockoutBase)
	envDur("BRIDGE_LOCKOUT_MAX", &cfg.Auth.LockoutMax)
	envBool("BRIDGE_ENFORCE_PASSWORD_ROTATION", &cfg.Auth.EnforceRotation)

	envInt("BRIDGE_QUEUE_CAPACITY", &cfg.Queue.Capacity)

	envInt("BRIDGE_POOL_MIN", &cfg.Pool.Min)
	envInt("BRIDGE_POOL_TARGET", &cfg.Pool.Target)
	envInt("BRIDGE_POOL_MAX", &cfg.Pool.Max)
	envDur("BRIDGE_POOL_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)
	envDur("BRIDGE_POOL_HEALTH_INTERVAL", &cfg.Pool.HealthInterval)
	envDur("BRIDGE_POOL_CHECK_TIMEOUT", &cfg.Pool.CheckTimeout)

	envInt("BRIDGE_BREAKER_FAILURES", &cfg.Breaker.FailureThreshold)
	envFloat("BRIDGE_BREAKER_FAILURE_RATE", &cfg.Breaker.FailureRate)
	envInt("BRIDGE_BREAKER_WINDOW", &cfg.Breaker.WindowSize)
	envDur("BRIDGE_BREAKER_RECOVERY", &cfg.Breaker.RecoveryTimeout)

	envInt("BRIDGE_CACHE_CAPACITY", &cfg.Cache.Capacity)
	envDur("BRIDGE_CACHE_TTL", &cfg.Cache.DefaultTTL)

	envDur("BRIDGE_UPSTREAM_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout)
	envDur("BRIDGE_UPSTREAM_PROBE_TIMEOUT", &cfg.Upstream.ProbeTimeout)
	envBool("BRIDGE_UPSTREAM_ALLOW_LOOPBACK", &cfg.Upstream.AllowLoopback)
	envInt("BRIDGE_UPSTREAM_MAX_RETRIES", &cfg.Upstream.MaxRetries)

	envDur("BRIDGE_REQUEST_TIMEOUT", &cfg.Request.DefaultTimeout)
	envDur("BRIDGE_REQUEST_TIMEOUT_MAX", &cfg.Request.MaxTimeout)
	envDur("BRIDGE_DRAIN_TIMEOUT", &cfg.Request.DrainTimeout)

	envInt("BRIDGE_RATE_WINDOW_SECONDS", &cfg.Rate.WindowSeconds)
	envInt("BRIDGE_RATE_MAX_REQUESTS", &cfg.Rate.MaxRequests)
	envInt("BRIDGE_RATE_BURST", &cfg.Rate.Burst)

	// Comma-separated list
	if origins := os.Getenv("BRIDGE_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, origin := range parts {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func envDur(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
