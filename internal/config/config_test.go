package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/procsup/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
log_dir: "/var/lib/procsup/logs"
concurrency: 4
log_level: debug
idle_timeout_ms: 60000
rate_limit:
  interval_ms: 1000
  cap: 10
admin:
  addr: "127.0.0.1:9090"
  enable_websocket: true
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogDir != "/var/lib/procsup/logs" {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.IdleTimeoutMs != 60000 {
		t.Errorf("IdleTimeoutMs = %d, want 60000", cfg.IdleTimeoutMs)
	}
	if cfg.RateLimit == nil || cfg.RateLimit.IntervalMs != 1000 || cfg.RateLimit.Cap != 10 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Admin.Addr != "127.0.0.1:9090" || !cfg.Admin.EnableWebSocket {
		t.Errorf("Admin = %+v", cfg.Admin)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTemp(t, "concurrency: 2\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogDir != "./logs" {
		t.Errorf("default LogDir = %q, want %q", cfg.LogDir, "./logs")
	}
	if cfg.IdleTimeoutMs != 5*60*1000 {
		t.Errorf("default IdleTimeoutMs = %d, want %d", cfg.IdleTimeoutMs, 5*60*1000)
	}
}

func TestLoadConfig_NegativeConcurrency(t *testing.T) {
	path := writeTemp(t, "concurrency: -1\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative concurrency, got nil")
	}
	if !strings.Contains(err.Error(), "concurrency") {
		t.Errorf("error %q does not mention concurrency", err.Error())
	}
}

func TestLoadConfig_UnlimitedOverridesNegativeCheck(t *testing.T) {
	path := writeTemp(t, "unlimited: true\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Unlimited {
		t.Error("Unlimited = false, want true")
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, "log_level: \"verbose\"\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_RateLimitMissingCap(t *testing.T) {
	yaml := `
rate_limit:
  interval_ms: 1000
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for rate_limit missing cap, got nil")
	}
	if !strings.Contains(err.Error(), "rate_limit.cap") {
		t.Errorf("error %q does not mention rate_limit.cap", err.Error())
	}
}

func TestLoadConfig_RateLimitMissingInterval(t *testing.T) {
	yaml := `
rate_limit:
  cap: 5
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for rate_limit missing interval, got nil")
	}
	if !strings.Contains(err.Error(), "rate_limit.interval_ms") {
		t.Errorf("error %q does not mention rate_limit.interval_ms", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestConfig_ValidateNegativeIdleTimeout(t *testing.T) {
	cfg := &config.Config{LogLevel: "info", IdleTimeoutMs: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative idle_timeout_ms, got nil")
	}
}
