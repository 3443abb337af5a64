// Package config holds the orchestrator's flat configuration record.
// Recognized keys are enumerated; anything else in a config file is a
// validation error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/aichestrator/internal/errs"
)

// Decomposition strategies.
const (
	StrategyParallel     = "parallel"
	StrategyHierarchical = "hierarchical"
	StrategyAuto         = "auto"
)

// Defaults applied by Load when neither file nor environment provides a value.
const (
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxWorkers        = 3
	DefaultTimeout           = 10 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultMaxRetries        = 2
	DefaultLogLevel          = "info"
)

// Config is the complete orchestrator configuration. It is a flat record:
// every recognized option is a named field, and unknown file keys are
// rejected at decode time.
type Config struct {
	RedisURL              string
	APIKey                string
	Model                 string
	MaxWorkers            int
	DefaultTimeout        time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	MaxRetries            int
	LogLevel              string
	DecompositionStrategy string
	AllowInstall          bool
}

// fileConfig is the YAML shape. Durations are denominated integers so the
// file stays editable without Go duration syntax. Pointer fields
// distinguish "absent" from zero.
type fileConfig struct {
	RedisURL              *string `yaml:"redis_url"`
	APIKey                *string `yaml:"api_key"`
	Model                 *string `yaml:"model"`
	MaxWorkers            *int    `yaml:"max_workers"`
	DefaultTimeoutSeconds *int    `yaml:"default_timeout_seconds"`
	HeartbeatIntervalMs   *int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs    *int    `yaml:"heartbeat_timeout_ms"`
	MaxRetries            *int    `yaml:"max_retries"`
	LogLevel              *string `yaml:"log_level"`
	DecompositionStrategy *string `yaml:"decomposition_strategy"`
	AllowInstall          *bool   `yaml:"allow_install"`
}

func (f fileConfig) apply(c *Config) {
	if f.RedisURL != nil {
		c.RedisURL = *f.RedisURL
	}
	if f.APIKey != nil {
		c.APIKey = *f.APIKey
	}
	if f.Model != nil {
		c.Model = *f.Model
	}
	if f.MaxWorkers != nil {
		c.MaxWorkers = *f.MaxWorkers
	}
	if f.DefaultTimeoutSeconds != nil {
		c.DefaultTimeout = time.Duration(*f.DefaultTimeoutSeconds) * time.Second
	}
	if f.HeartbeatIntervalMs != nil {
		c.HeartbeatInterval = time.Duration(*f.HeartbeatIntervalMs) * time.Millisecond
	}
	if f.HeartbeatTimeoutMs != nil {
		c.HeartbeatTimeout = time.Duration(*f.HeartbeatTimeoutMs) * time.Millisecond
	}
	if f.MaxRetries != nil {
		c.MaxRetries = *f.MaxRetries
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.DecompositionStrategy != nil {
		c.DecompositionStrategy = *f.DecompositionStrategy
	}
	if f.AllowInstall != nil {
		c.AllowInstall = *f.AllowInstall
	}
}

// Default returns a Config populated with every default value.
func Default() Config {
	return Config{
		RedisURL:              DefaultRedisURL,
		Model:                 DefaultModel,
		MaxWorkers:            DefaultMaxWorkers,
		DefaultTimeout:        DefaultTimeout,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		MaxRetries:            DefaultMaxRetries,
		LogLevel:              DefaultLogLevel,
		DecompositionStrategy: StrategyParallel,
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (if path is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Validation("config_file", err, "read config %s", path)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		// Unknown keys are configuration mistakes, not extension points.
		dec.KnownFields(true)
		var fc fileConfig
		if err := dec.Decode(&fc); err != nil {
			return cfg, errs.Validation("config_file", err, "parse config %s", path)
		}
		fc.apply(&cfg)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays AICHESTRATOR_* (and ANTHROPIC_API_KEY / REDIS_URL)
// environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("AICHESTRATOR_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("AICHESTRATOR_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv("AICHESTRATOR_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DefaultTimeout = d
		}
	}
	if v := os.Getenv("AICHESTRATOR_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AICHESTRATOR_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("AICHESTRATOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("AICHESTRATOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AICHESTRATOR_STRATEGY"); v != "" {
		c.DecompositionStrategy = v
	}
	if v := os.Getenv("ALLOW_INSTALL"); v != "" {
		c.AllowInstall = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate enforces the recognized ranges. The API key is checked separately
// by RequireAPIKey so read-only commands (status, agents, ping) work without
// credentials.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > 10 {
		return errs.Validation("max_workers", nil, "max_workers %d out of range [1,10]", c.MaxWorkers)
	}
	if c.DefaultTimeout < time.Second {
		return errs.Validation("default_timeout", nil, "default_timeout %s below 1s", c.DefaultTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return errs.Validation("heartbeat_interval", nil, "heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errs.Validation("heartbeat_timeout", nil, "heartbeat_timeout %s must exceed heartbeat_interval %s",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 5 {
		return errs.Validation("max_retries", nil, "max_retries %d out of range [0,5]", c.MaxRetries)
	}
	switch c.DecompositionStrategy {
	case StrategyParallel, StrategyHierarchical, StrategyAuto:
	default:
		return errs.Validation("strategy", nil, "unknown decomposition strategy %q", c.DecompositionStrategy)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errs.Validation("log_level", nil, "unknown log level %q", c.LogLevel)
	}
	return nil
}

// RequireAPIKey fails when no LLM credential is configured.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errs.Validation("api_key", nil, "ANTHROPIC_API_KEY is not set")
	}
	return nil
}

// MaxAttempts is the per-subtask attempt cap actually enforced by the
// scheduler: the first attempt plus MaxRetries retries.
func (c Config) MaxAttempts() int {
	return c.MaxRetries + 1
}

// String renders the config for logs with the API key masked.
func (c Config) String() string {
	key := "unset"
	if c.APIKey != "" {
		key = "set"
	}
	return fmt.Sprintf("redis=%s model=%s workers=%d timeout=%s hb=%s/%s retries=%d strategy=%s api_key=%s",
		c.RedisURL, c.Model, c.MaxWorkers, c.DefaultTimeout,
		c.HeartbeatInterval, c.HeartbeatTimeout, c.MaxRetries, c.DecompositionStrategy, key)
}
