// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the proxy server. Every
// field has a default, so a config file is optional; environment
// variables override the file.
type Config struct {
	// ListenAddress is the TCP address to listen on. Defaults to
	// 127.0.0.1:8443 — the proxy binds loopback only, with external
	// exposure left to a tunnel or reverse proxy in front of it.
	ListenAddress string `yaml:"listen_address"`

	// PublicURL is the externally reachable proxy URL returned in
	// session-creation responses. Session consumers run remotely, so
	// the listen address is useless to them.
	PublicURL string `yaml:"public_url"`

	// CredentialsPath is the JSON credentials file (comments
	// permitted). Defaults to credentials.json in the working
	// directory.
	CredentialsPath string `yaml:"credentials_path"`

	// AuditLogPath is the append-only JSON Lines audit file.
	AuditLogPath string `yaml:"audit_log_path"`

	// IssueRepo is the "owner/repo" the POST /issues endpoint files
	// issues against. Empty disables the endpoint.
	IssueRepo string `yaml:"issue_repo"`

	// RateLimit configures per-client throttling of the session, git,
	// and issue endpoints.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a token bucket applied per client IP. Disabled by
// default.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// RequestsPerMinute is the sustained rate. Defaults to 30 when
	// enabled.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`

	// Burst is the bucket size. Defaults to 10 when enabled.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:   "127.0.0.1:8443",
		CredentialsPath: "credentials.json",
		AuditLogPath:    "audit.jsonl",
	}
}

// LoadConfig loads a configuration from a YAML file. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.ListenAddress == "" {
		config.ListenAddress = "127.0.0.1:8443"
	}
	if config.CredentialsPath == "" {
		config.CredentialsPath = "credentials.json"
	}
	if config.AuditLogPath == "" {
		config.AuditLogPath = "audit.jsonl"
	}
	return config, nil
}

// ApplyEnv applies the environment overrides, which are authoritative
// over the file: PORT rebinds the loopback listener, PUBLIC_PROXY_URL
// replaces the advertised URL.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		c.ListenAddress = "127.0.0.1:" + port
	}
	if publicURL := os.Getenv("PUBLIC_PROXY_URL"); publicURL != "" {
		c.PublicURL = publicURL
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.CredentialsPath == "" {
		return fmt.Errorf("credentials_path is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be non-negative")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate_limit.burst must be non-negative")
		}
	}
	return nil
}
