// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package config loads the gatekeeper configuration from defaults, an
// optional YAML file, GATEKEEPER_* environment variables, and command
// line flags, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// envPrefix namespaces environment overrides, e.g. GATEKEEPER_LISTEN_ADDR.
const envPrefix = "GATEKEEPER_"

// Config holds the full gatekeeper configuration.
type Config struct {
	// Network
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	// Storage. Empty means the in-memory account directory.
	DatabaseURL string `koanf:"database_url"`

	// StateFile persists the last-alive timestamp across restarts so
	// the uptime clock can discount downtime.
	StateFile string `koanf:"state_file"`

	// Login prompt
	Banner          string `koanf:"banner"`
	CreationEnabled bool   `koanf:"creation_enabled"`
	FloodCeiling    int    `koanf:"flood_ceiling"`

	// Admission control
	CapNormal      int           `koanf:"cap_normal"`
	CapLagged      int           `koanf:"cap_lagged"`
	LagCutoff      time.Duration `koanf:"lag_cutoff"`
	LagInterval    time.Duration `koanf:"lag_interval"`
	ExemptAccounts []string      `koanf:"exempt_accounts"`

	// Logging
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// defaults are the baseline values every other source overrides.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":      ":4000",
		"metrics_addr":     ":9090",
		"database_url":     "",
		"state_file":       "gatekeeper.state",
		"banner":           "",
		"creation_enabled": true,
		"flood_ceiling":    100,
		"cap_normal":       100,
		"cap_lagged":       0,
		"lag_cutoff":       "4s",
		"lag_interval":     "15s",
		"exempt_accounts":  []string{},
		"log_level":        "info",
		"log_format":       "json",
	}
}

// Load builds the configuration. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, oops.Wrapf(err, "failed to load defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.With("path", path).Wrapf(err, "failed to load config file")
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, oops.Wrapf(err, "failed to load environment")
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Wrapf(err, "failed to load flags")
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Wrapf(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return oops.Errorf("listen_addr must not be empty")
	}
	if c.FloodCeiling <= 0 {
		return oops.With("flood_ceiling", c.FloodCeiling).
			Errorf("flood_ceiling must be positive")
	}
	if c.CapNormal <= 0 {
		return oops.With("cap_normal", c.CapNormal).
			Errorf("cap_normal must be positive")
	}
	if c.CapLagged < 0 {
		return oops.With("cap_lagged", c.CapLagged).
			Errorf("cap_lagged must not be negative")
	}
	if c.LagInterval <= 0 {
		return oops.With("lag_interval", c.LagInterval.String()).
			Errorf("lag_interval must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.With("log_format", c.LogFormat).
			Errorf("log_format must be json or text")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return oops.With("log_level", c.LogLevel).
			Errorf("log_level must be debug, info, warn, or error")
	}
	return nil
}
