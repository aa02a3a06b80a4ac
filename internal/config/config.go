// Package config loads, validates, and watches the server configuration.
//
// Configuration comes from a TOML file layered over built-in defaults.
// Durations are expressed in milliseconds in the file. The watcher
// subpackage of one file here reloads batch windows live; everything else
// requires a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/beacon/internal/batch"
	"github.com/dshills/beacon/internal/resilience"
)

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Bus        BusConfig        `toml:"bus"`
	Batch      BatchConfig      `toml:"batch"`
	Resilience ResilienceConfig `toml:"resilience"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr"`

	// ShutdownTimeoutMs bounds graceful shutdown.
	ShutdownTimeoutMs int64 `toml:"shutdownTimeoutMs"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// SubscriptionBuffer is the per-subscription channel capacity.
	SubscriptionBuffer int `toml:"subscriptionBuffer"`
}

// BatchConfig configures per-category coalescing windows.
type BatchConfig struct {
	// Windows maps a category (the first segment of the event type) to
	// its window in milliseconds. Zero means immediate passthrough.
	Windows map[string]int64 `toml:"windows"`

	// DefaultWindowMs applies to categories absent from Windows.
	DefaultWindowMs int64 `toml:"defaultWindowMs"`
}

// ResilienceConfig configures reconnection, circuit breaking, queuing,
// heartbeats, and quality adaptation.
type ResilienceConfig struct {
	InitialBackoffMs         int64   `toml:"initialBackoffMs"`
	BackoffFactor            float64 `toml:"backoffFactor"`
	MaxBackoffMs             int64   `toml:"maxBackoffMs"`
	FallbackAfterAttempts    int     `toml:"fallbackAfterAttempts"`
	CircuitFailureThreshold  int     `toml:"circuitFailureThreshold"`
	CircuitRecoveryTimeoutMs int64   `toml:"circuitRecoveryTimeoutMs"`
	PendingQueueCapacity     int     `toml:"pendingQueueCapacity"`
	HeartbeatIntervalMs      int64   `toml:"heartbeatIntervalMs"`
	MissedHeartbeatThreshold int     `toml:"missedHeartbeatThreshold"`
	UpgradeProbeIntervalMs   int64   `toml:"upgradeProbeIntervalMs"`
	PollIdleTimeoutMs        int64   `toml:"pollIdleTimeoutMs"`
	QualityAlpha             float64 `toml:"qualityAlpha"`
	WidenBelow               float64 `toml:"widenBelow"`
	FallbackBelow            float64 `toml:"fallbackBelow"`
	WidenFactor              float64 `toml:"widenFactor"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8750",
			ShutdownTimeoutMs: 5000,
		},
		Bus: BusConfig{
			SubscriptionBuffer: 256,
		},
		Batch: BatchConfig{
			Windows: map[string]int64{
				"agent":    200,
				"metrics":  500,
				"logs":     1000,
				"critical": 0,
			},
			DefaultWindowMs: 200,
		},
		Resilience: ResilienceConfig{
			InitialBackoffMs:         1000,
			BackoffFactor:            2.0,
			MaxBackoffMs:             30000,
			FallbackAfterAttempts:    5,
			CircuitFailureThreshold:  5,
			CircuitRecoveryTimeoutMs: 60000,
			PendingQueueCapacity:     256,
			HeartbeatIntervalMs:      30000,
			MissedHeartbeatThreshold: 3,
			UpgradeProbeIntervalMs:   60000,
			PollIdleTimeoutMs:        300000,
			QualityAlpha:             0.3,
			WidenBelow:               0.5,
			FallbackBelow:            0.25,
			WidenFactor:              2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. A missing file yields the defaults; a missing path argument
// skips file loading entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Message: "must not be empty"}
	}
	if c.Bus.SubscriptionBuffer < 1 {
		return &ValidationError{Field: "bus.subscriptionBuffer", Message: "must be at least 1"}
	}
	if c.Batch.DefaultWindowMs < 0 {
		return &ValidationError{Field: "batch.defaultWindowMs", Message: "must not be negative"}
	}
	for category, ms := range c.Batch.Windows {
		if ms < 0 {
			return &ValidationError{
				Field:   "batch.windows." + category,
				Message: "must not be negative",
			}
		}
	}
	r := c.Resilience
	if r.InitialBackoffMs <= 0 {
		return &ValidationError{Field: "resilience.initialBackoffMs", Message: "must be positive"}
	}
	if r.BackoffFactor < 1 {
		return &ValidationError{Field: "resilience.backoffFactor", Message: "must be at least 1"}
	}
	if r.MaxBackoffMs < r.InitialBackoffMs {
		return &ValidationError{Field: "resilience.maxBackoffMs", Message: "must be at least initialBackoffMs"}
	}
	if r.FallbackAfterAttempts < 1 {
		return &ValidationError{Field: "resilience.fallbackAfterAttempts", Message: "must be at least 1"}
	}
	if r.CircuitFailureThreshold < 1 {
		return &ValidationError{Field: "resilience.circuitFailureThreshold", Message: "must be at least 1"}
	}
	if r.PendingQueueCapacity < 1 {
		return &ValidationError{Field: "resilience.pendingQueueCapacity", Message: "must be at least 1"}
	}
	if r.PollIdleTimeoutMs < 0 {
		return &ValidationError{Field: "resilience.pollIdleTimeoutMs", Message: "must not be negative"}
	}
	if r.QualityAlpha <= 0 || r.QualityAlpha >= 1 {
		return &ValidationError{Field: "resilience.qualityAlpha", Message: "must be between 0 and 1 exclusive"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be debug, info, warn, or error"}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ValidationError{Field: "logging.format", Message: "must be text or json"}
	}
	return nil
}

// BatcherConfig converts the batch section for the batch package.
func (c BatchConfig) BatcherConfig() batch.Config {
	windows := make(map[string]time.Duration, len(c.Windows))
	for category, ms := range c.Windows {
		windows[category] = time.Duration(ms) * time.Millisecond
	}
	return batch.Config{
		Windows:       windows,
		DefaultWindow: time.Duration(c.DefaultWindowMs) * time.Millisecond,
	}
}

// ManagerConfig converts the resilience section for the resilience
// package.
func (c ResilienceConfig) ManagerConfig() resilience.Config {
	return resilience.Config{
		Backoff: resilience.BackoffConfig{
			Initial: time.Duration(c.InitialBackoffMs) * time.Millisecond,
			Max:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
			Factor:  c.BackoffFactor,
		},
		MaxReconnectAttempts: c.FallbackAfterAttempts,
		CircuitThreshold:     c.CircuitFailureThreshold,
		CircuitRecovery:      time.Duration(c.CircuitRecoveryTimeoutMs) * time.Millisecond,
		QueueCapacity:        c.PendingQueueCapacity,
		HeartbeatInterval:    time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		MissedHeartbeats:     c.MissedHeartbeatThreshold,
		UpgradeProbeInterval: time.Duration(c.UpgradeProbeIntervalMs) * time.Millisecond,
		QualityAlpha:         c.QualityAlpha,
		WidenBelow:           c.WidenBelow,
		FallbackBelow:        c.FallbackBelow,
		WidenFactor:          c.WidenFactor,
	}
}
