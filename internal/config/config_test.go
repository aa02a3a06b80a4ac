package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beacon.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8750" {
		t.Errorf("Addr = %q, want :8750", cfg.Server.Addr)
	}
	if cfg.Resilience.InitialBackoffMs != 1000 {
		t.Errorf("InitialBackoffMs = %d, want 1000", cfg.Resilience.InitialBackoffMs)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Batch.Windows["agent"] != 200 {
		t.Errorf("agent window = %d, want 200", cfg.Batch.Windows["agent"])
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[batch.windows]
agent = 50
critical = 0

[resilience]
initialBackoffMs = 500
fallbackAfterAttempts = 3

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Batch.Windows["agent"] != 50 {
		t.Errorf("agent window = %d, want 50", cfg.Batch.Windows["agent"])
	}
	if cfg.Resilience.InitialBackoffMs != 500 {
		t.Errorf("InitialBackoffMs = %d, want 500", cfg.Resilience.InitialBackoffMs)
	}
	if cfg.Resilience.FallbackAfterAttempts != 3 {
		t.Errorf("FallbackAfterAttempts = %d, want 3", cfg.Resilience.FallbackAfterAttempts)
	}
	// Untouched settings keep their defaults.
	if cfg.Resilience.CircuitFailureThreshold != 5 {
		t.Errorf("CircuitFailureThreshold = %d, want default 5", cfg.Resilience.CircuitFailureThreshold)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `[server`)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error for malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero buffer", func(c *Config) { c.Bus.SubscriptionBuffer = 0 }, "bus.subscriptionBuffer"},
		{"negative window", func(c *Config) { c.Batch.Windows["agent"] = -1 }, "batch.windows.agent"},
		{"negative default window", func(c *Config) { c.Batch.DefaultWindowMs = -1 }, "batch.defaultWindowMs"},
		{"zero backoff", func(c *Config) { c.Resilience.InitialBackoffMs = 0 }, "resilience.initialBackoffMs"},
		{"factor below one", func(c *Config) { c.Resilience.BackoffFactor = 0.5 }, "resilience.backoffFactor"},
		{"max below initial", func(c *Config) { c.Resilience.MaxBackoffMs = 1 }, "resilience.maxBackoffMs"},
		{"zero attempts", func(c *Config) { c.Resilience.FallbackAfterAttempts = 0 }, "resilience.fallbackAfterAttempts"},
		{"zero threshold", func(c *Config) { c.Resilience.CircuitFailureThreshold = 0 }, "resilience.circuitFailureThreshold"},
		{"zero capacity", func(c *Config) { c.Resilience.PendingQueueCapacity = 0 }, "resilience.pendingQueueCapacity"},
		{"negative idle timeout", func(c *Config) { c.Resilience.PollIdleTimeoutMs = -1 }, "resilience.pollIdleTimeoutMs"},
		{"alpha out of range", func(c *Config) { c.Resilience.QualityAlpha = 1.5 }, "resilience.qualityAlpha"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestBatcherConfig(t *testing.T) {
	cfg := Default().Batch.BatcherConfig()
	if cfg.Windows["agent"] != 200*time.Millisecond {
		t.Errorf("agent window = %v, want 200ms", cfg.Windows["agent"])
	}
	if cfg.Windows["critical"] != 0 {
		t.Errorf("critical window = %v, want 0", cfg.Windows["critical"])
	}
	if cfg.DefaultWindow != 200*time.Millisecond {
		t.Errorf("DefaultWindow = %v, want 200ms", cfg.DefaultWindow)
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := Default().Resilience.ManagerConfig()
	if cfg.Backoff.Initial != time.Second {
		t.Errorf("Backoff.Initial = %v, want 1s", cfg.Backoff.Initial)
	}
	if cfg.Backoff.Max != 30*time.Second {
		t.Errorf("Backoff.Max = %v, want 30s", cfg.Backoff.Max)
	}
	if cfg.CircuitRecovery != time.Minute {
		t.Errorf("CircuitRecovery = %v, want 1m", cfg.CircuitRecovery)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
}
