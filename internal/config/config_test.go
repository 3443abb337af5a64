package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/aichestrator/internal/errs"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.MaxAttempts() != 3 {
		t.Fatalf("MaxAttempts: got %d, want 3", cfg.MaxAttempts())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "max_workers: 5\nmodel: claude-haiku-4-5-20251001\nmax_retries: 1\ndefault_timeout_seconds: 120\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxWorkers != 5 {
		t.Fatalf("max_workers: got %d, want 5", cfg.MaxWorkers)
	}
	if cfg.Model != "claude-haiku-4-5-20251001" {
		t.Fatalf("model: got %q", cfg.Model)
	}
	if cfg.MaxAttempts() != 2 {
		t.Fatalf("MaxAttempts: got %d, want 2", cfg.MaxAttempts())
	}
	if cfg.DefaultTimeout != 2*time.Minute {
		t.Fatalf("default_timeout: got %s", cfg.DefaultTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("heartbeat_interval: got %s", cfg.HeartbeatInterval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_workerz: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"workers_low", func(c *Config) { c.MaxWorkers = 0 }},
		{"workers_high", func(c *Config) { c.MaxWorkers = 11 }},
		{"timeout_low", func(c *Config) { c.DefaultTimeout = 500 * time.Millisecond }},
		{"retries_high", func(c *Config) { c.MaxRetries = 6 }},
		{"retries_negative", func(c *Config) { c.MaxRetries = -1 }},
		{"bad_strategy", func(c *Config) { c.DecompositionStrategy = "serial" }},
		{"bad_level", func(c *Config) { c.LogLevel = "trace2" }},
		{"hb_order", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AICHESTRATOR_MAX_WORKERS", "7")
	t.Setenv("AICHESTRATOR_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("AICHESTRATOR_HEARTBEAT_TIMEOUT", "6s")
	t.Setenv("ALLOW_INSTALL", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxWorkers != 7 {
		t.Fatalf("max_workers: got %d", cfg.MaxWorkers)
	}
	if cfg.HeartbeatInterval != 2*time.Second || cfg.HeartbeatTimeout != 6*time.Second {
		t.Fatalf("heartbeats: got %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if !cfg.AllowInstall {
		t.Fatal("allow_install should be true")
	}
	if err := cfg.RequireAPIKey(); err != nil {
		t.Fatalf("api key should be present: %v", err)
	}
}

func TestRequireAPIKeyMissing(t *testing.T) {
	cfg := Default()
	err := cfg.RequireAPIKey()
	if err == nil {
		t.Fatal("expected error without api key")
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Code != "api_key" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStringMasksKey(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "sk-ant-supersecret"
	s := cfg.String()
	if strings.Contains(s, "supersecret") {
		t.Fatalf("config string leaks key: %s", s)
	}
	if !strings.Contains(s, "api_key=set") {
		t.Fatalf("config string should note key presence: %s", s)
	}
}
