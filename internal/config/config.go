// Package config provides YAML configuration loading and validation for the
// procsup supervisor's default policy: concurrency, rate limiting, idle
// timeouts, log directory, and the optional admin API.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the procsup
// supervisor. It governs default scheduling policy applied to tasks that do
// not supply their own queue options, plus the location of log files and the
// optional diagnostics surface.
type Config struct {
	// LogDir is the directory under which per-task log files are created
	// ("{LogDir}/{id}.log"). Defaults to "./logs" when omitted.
	LogDir string `yaml:"log_dir"`

	// Concurrency is the maximum number of simultaneously running tasks. A
	// negative value is invalid. Omitted or 0 means unbounded, as does any
	// value >= 10000, once passed on to the supervisor; Unlimited is the
	// explicit YAML switch for the unbounded case.
	Concurrency int `yaml:"concurrency"`

	// Unlimited, when true, overrides Concurrency: every submission takes
	// the direct path (8.3 "concurrency = +∞").
	Unlimited bool `yaml:"unlimited"`

	// RateLimit optionally caps how many task starts are allowed inside a
	// sliding window. Both fields must be set together, or neither.
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// IdleTimeoutMs is the default idle watchdog timeout applied to tasks
	// that do not specify their own. Defaults to 300000 (5 minutes) when
	// omitted or zero.
	IdleTimeoutMs int64 `yaml:"idle_timeout_ms"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Admin configures the optional diagnostics HTTP surface (internal/api).
	// `queue serve` always starts the admin API; zero values select the
	// defaults described on AdminConfig's fields.
	Admin AdminConfig `yaml:"admin"`
}

// RateLimitConfig caps the number of task starts allowed within a sliding
// window of IntervalMs milliseconds.
type RateLimitConfig struct {
	// IntervalMs is the window size in milliseconds. Required if RateLimit
	// is non-nil; must be positive.
	IntervalMs int64 `yaml:"interval_ms"`

	// Cap is the maximum number of starts allowed inside the window.
	// Required if RateLimit is non-nil; must be positive.
	Cap int `yaml:"cap"`
}

// AdminConfig configures the optional read-mostly HTTP admin surface.
type AdminConfig struct {
	// Addr is the listen address for the admin API (e.g. "127.0.0.1:9090").
	// Empty means `queue serve` listens on 127.0.0.1:9090 unless
	// --listen-addr is given.
	Addr string `yaml:"addr"`

	// EnableWebSocket, when true, also mounts the event feed websocket
	// endpoint alongside the REST routes.
	EnableWebSocket bool `yaml:"enable_websocket"`

	// JWTSecret, when non-empty, requires a valid HS256 bearer token on
	// every mutating (POST) admin route; GET routes stay open.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// defaultLogDir is used when Config.LogDir is empty.
const defaultLogDir = "./logs"

// defaultIdleTimeoutMs is used when Config.IdleTimeoutMs is zero, matching
// the 5-minute default idle watchdog named in the scheduler design.
const defaultIdleTimeoutMs = int64(5 * 60 * 1000)

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered, joined via errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.IdleTimeoutMs == 0 {
		cfg.IdleTimeoutMs = defaultIdleTimeoutMs
	}
}

// Validate checks that all fields are internally consistent. It mirrors the
// Execution-Path Detector's configuration validation contract: negative
// concurrency is rejected, and a rate limit with only one of
// (interval, cap) set is rejected.
func (cfg *Config) Validate() error {
	var errs []error

	if !cfg.Unlimited && cfg.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency must not be negative (use unlimited: true for infinite concurrency)"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.IdleTimeoutMs < 0 {
		errs = append(errs, errors.New("idle_timeout_ms must not be negative"))
	}
	if cfg.RateLimit != nil {
		if cfg.RateLimit.IntervalMs <= 0 {
			errs = append(errs, errors.New("rate_limit.interval_ms must be positive"))
		}
		if cfg.RateLimit.Cap <= 0 {
			errs = append(errs, errors.New("rate_limit.cap must be positive"))
		}
	}

	return errors.Join(errs...)
}
