// Package config holds the bridge configuration: defaults, optional JSON
// config file, then environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full bridge configuration.
type Config struct {
	Addr          string `json:"addr"`
	StorePath     string `json:"storePath"`
	LogsDir       string `json:"logsDir"`
	LogLevel      string `json:"logLevel"`
	LogFormat     string `json:"logFormat"` // "json" or "console"
	LogRetain     int    `json:"logRetain"` // rotated files kept on disk
	RetentionDays int    `json:"retentionDays"`

	JWT      JWTConfig      `json:"jwt"`
	Seed     SeedConfig     `json:"seed"`
	Auth     AuthConfig     `json:"auth"`
	Queue    QueueConfig    `json:"queue"`
	Pool     PoolConfig     `json:"pool"`
	Breaker  BreakerConfig  `json:"breaker"`
	Cache    CacheConfig    `json:"cache"`
	Upstream UpstreamConfig `json:"upstream"`
	Request  RequestConfig  `json:"request"`
	Rate     RateConfig     `json:"rateLimit"`

	AllowedOrigins []string `json:"allowedOrigins"`
}

// JWTConfig configures access-token issuance. The signing secret itself is a
// SystemKey generated at bootstrap and stored in the embedded store.
type JWTConfig struct {
	Issuer     string   `json:"issuer"`
	AccessTTL  Duration `json:"accessTtl"`  // capped at 24h
	RefreshTTL Duration `json:"refreshTtl"` // >= AccessTTL
}

// SeedConfig controls the default admin account created at first start.
type SeedConfig struct {
	AdminEnabled  bool   `json:"adminEnabled"`
	AdminUsername string `json:"adminUsername"`
	AdminPassword string `json:"adminPassword"`
	AdminEmail    string `json:"adminEmail"`
}

// AuthConfig tunes login lockout and password-rotation enforcement.
type AuthConfig struct {
	LockoutThreshold int      `json:"lockoutThreshold"` // consecutive failures before locking
	LockoutWindow    Duration `json:"lockoutWindow"`    // failures older than this do not count
	LockoutBase      Duration `json:"lockoutBase"`      // first lock duration, doubles per lock
	LockoutMax       Duration `json:"lockoutMax"`
	EnforceRotation  bool     `json:"enforceRotation"` // hard-block until must_change_password clears
}

// QueueConfig bounds the pending-call queue.
type QueueConfig struct {
	Capacity int `json:"capacity"`
}

// PoolConfig sizes the upstream session pool.
type PoolConfig struct {
	Min              int      `json:"min"`
	Target           int      `json:"target"`
	Max              int      `json:"max"`
	IdleTimeout      Duration `json:"idleTimeout"`
	HealthInterval   Duration `json:"healthInterval"`
	CheckTimeout     Duration `json:"checkTimeout"` // deadline for one out-of-band ping
	ScaleInterval    Duration `json:"scaleInterval"`
	PendingFactor    float64  `json:"pendingFactor"`    // scale up when depth > factor*active
	LatencyThreshold Duration `json:"latencyThreshold"` // and moving-average latency above this
}

// BreakerConfig tunes the per-hub circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `json:"failureThreshold"` // consecutive failures opening the circuit
	FailureRate      float64  `json:"failureRate"`      // or failure rate over the window (0..1)
	WindowSize       int      `json:"windowSize"`       // rolling window length in calls
	RecoveryTimeout  Duration `json:"recoveryTimeout"`
}

// CacheConfig sizes the read-only result cache.
type CacheConfig struct {
	Capacity   int      `json:"capacity"`
	DefaultTTL Duration `json:"defaultTtl"`
}

// UpstreamConfig tunes hub connections.
type UpstreamConfig struct {
	ConnectTimeout Duration `json:"connectTimeout"`
	ProbeTimeout   Duration `json:"probeTimeout"`
	AllowLoopback  bool     `json:"allowLoopback"`
	MaxRetries     int      `json:"maxRetries"` // read-only call retries through the breaker
}

// RequestConfig bounds per-call deadlines.
type RequestConfig struct {
	DefaultTimeout Duration `json:"defaultTimeout"`
	MaxTimeout     Duration `json:"maxTimeout"` // X-Timeout is clamped to this
	DrainTimeout   Duration `json:"drainTimeout"`
}

// RateConfig is the per-user token-bucket rate limit.
type RateConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:          ":8787",
		StorePath:     "data/bridge.db",
		LogsDir:       "logs",
		LogLevel:      "info",
		LogFormat:     "json",
		LogRetain:     14,
		RetentionDays: 30,
		JWT: JWTConfig{
			Issuer:     "hubbridge",
			AccessTTL:  Duration(12 * time.Hour),
			RefreshTTL: Duration(7 * 24 * time.Hour),
		},
		Seed: SeedConfig{
			AdminEnabled:  true,
			AdminUsername: "admin",
			AdminPassword: "Admin123!",
			AdminEmail:    "admin@localhost.localdomain",
		},
		Auth: AuthConfig{
			LockoutThreshold: 5,
			LockoutWindow:    Duration(15 * time.Minute),
			LockoutBase:      Duration(30 * time.Second),
			LockoutMax:       Duration(30 * time.Minute),
		},
		Queue: QueueConfig{Capacity: 128},
		Pool: PoolConfig{
			Min:              1,
			Target:           2,
			Max:              8,
			IdleTimeout:      Duration(5 * time.Minute),
			HealthInterval:   Duration(30 * time.Second),
			CheckTimeout:     Duration(3 * time.Second),
			ScaleInterval:    Duration(5 * time.Second),
			PendingFactor:    2.0,
			LatencyThreshold: Duration(750 * time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureRate:      0.5,
			WindowSize:       20,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			Capacity:   1024,
			DefaultTTL: Duration(30 * time.Second),
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: Duration(10 * time.Second),
			ProbeTimeout:   Duration(5 * time.Second),
			AllowLoopback:  true,
			MaxRetries:     2,
		},
		Request: RequestConfig{
			DefaultTimeout: Duration(30 * time.Second),
			MaxTimeout:     Duration(120 * time.Second),
			DrainTimeout:   Duration(15 * time.Second),
		},
		Rate: RateConfig{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         120,
		},
	}
}

// Validate checks invariants the rest of the system assumes. All violations
// are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, ErrMissingAddr)
	}
	if c.StorePath == "" {
		errs = append(errs, ErrMissingStorePath)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("retentionDays must be >= 1, got %d", c.RetentionDays))
	}
	if ttl := c.JWT.AccessTTL.Std(); ttl <= 0 || ttl > 24*time.Hour {
		errs = append(errs, fmt.Errorf("jwt.accessTtl must be in (0, 24h], got %s", ttl))
	}
	if c.JWT.RefreshTTL.Std() < c.JWT.AccessTTL.Std() {
		errs = append(errs, fmt.Errorf("jwt.refreshTtl must be >= jwt.accessTtl"))
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be >= 1, got %d", c.Queue.Capacity))
	}
	if c.Pool.Min < 1 || c.Pool.Max < c.Pool.Min {
		errs = append(errs, fmt.Errorf("pool sizes must satisfy 1 <= min <= max, got min=%d max=%d", c.Pool.Min, c.Pool.Max))
	}
	if c.Pool.Target < c.Pool.Min || c.Pool.Target > c.Pool.Max {
		errs = append(errs, fmt.Errorf("pool.target must be within [min, max], got %d", c.Pool.Target))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failureThreshold must be >= 1, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.FailureRate < 0 || c.Breaker.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("breaker.failureRate must be in [0, 1], got %g", c.Breaker.FailureRate))
	}
	if c.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity must be >= 1, got %d", c.Cache.Capacity))
	}
	if c.Request.MaxTimeout.Std() < c.Request.DefaultTimeout.Std() {
		errs = append(errs, fmt.Errorf("request.maxTimeout must be >= request.defaultTimeout"))
	}

	return joinErrs(errs)
}

func joinErrs(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
