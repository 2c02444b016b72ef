// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates a running mirror target's
// configuration from a YAML file, falling back to sensible defaults when
// no file is given.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a mirror target process.
type Config struct {
	Link    LinkConfig    `yaml:"link"`
	Storage StorageConfig `yaml:"storage"`
	Admin   AdminConfig   `yaml:"admin"`
	Log     LogConfig     `yaml:"log"`
	Otel    OtelConfig    `yaml:"otel"`
}

// LinkConfig describes the inbound replication link this target accepts.
type LinkConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	CreditWindow         int           `yaml:"credit_window"`
	SenderSettleMode     string        `yaml:"sender_settle_mode"`
	ReceiverSettleFirst  bool          `yaml:"receiver_settle_first"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig describes the durable post office backing store.
type StorageConfig struct {
	BadgerDir string `yaml:"badger_dir"`
	InMemory  bool   `yaml:"in_memory"`
}

// AdminConfig describes the observational HTTP/WebSocket surface.
type AdminConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	StreamRateLimit  float64       `yaml:"stream_rate_limit"`
	StreamBurst      int           `yaml:"stream_burst"`
	CompressStream   bool          `yaml:"compress_stream"`
	BreakerThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_reset_timeout"`
}

// LogConfig describes structured log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig describes where metrics are exported to.
type OtelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Endpoint       string `yaml:"endpoint"`
}

// Default returns a Config with production-reasonable defaults.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			ListenAddr:          ":5672",
			CreditWindow:        1000,
			SenderSettleMode:    "unsettled",
			ReceiverSettleFirst: false,
			IdleTimeout:         60 * time.Second,
			ShutdownTimeout:     30 * time.Second,
		},
		Storage: StorageConfig{
			BadgerDir: "/var/lib/fluxmirror/target",
			InMemory:  false,
		},
		Admin: AdminConfig{
			Enabled:          true,
			Addr:             ":8088",
			StreamRateLimit:  50,
			StreamBurst:      100,
			CompressStream:   true,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Enabled:        true,
			ServiceName:    "fluxmirror-target",
			ServiceVersion: "0.1.0",
			Endpoint:       "localhost:4317",
		},
	}
}

// Load loads configuration from a YAML file, falling back to Default if
// filename is empty or does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", filename, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that cfg is internally consistent.
func (c *Config) Validate() error {
	if c.Link.ListenAddr == "" {
		return fmt.Errorf("link.listen_addr cannot be empty")
	}
	if c.Link.CreditWindow <= 0 {
		return fmt.Errorf("link.credit_window must be positive")
	}
	switch c.Link.SenderSettleMode {
	case "unsettled", "settled", "mixed":
	default:
		return fmt.Errorf("link.sender_settle_mode must be one of unsettled, settled, mixed, got %q", c.Link.SenderSettleMode)
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr cannot be empty when admin.enabled is true")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

// Save writes cfg to filename as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling configuration: %w", err)
	}
	return os.WriteFile(filename, data, 0o644)
}
