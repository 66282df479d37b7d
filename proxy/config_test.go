// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.ListenAddress != "127.0.0.1:8443" {
		t.Errorf("ListenAddress = %q", config.ListenAddress)
	}
	if config.CredentialsPath != "credentials.json" {
		t.Errorf("CredentialsPath = %q", config.CredentialsPath)
	}
	if config.AuditLogPath != "audit.jsonl" {
		t.Errorf("AuditLogPath = %q", config.AuditLogPath)
	}
	if config.RateLimit.Enabled {
		t.Error("rate limiting enabled by default")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate on defaults: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_address: 127.0.0.1:9000
public_url: https://proxy.example.com
credentials_path: /etc/credproxy/credentials.json
issue_repo: example/project
rate_limit:
  enabled: true
  requests_per_minute: 60
  burst: 20
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("ListenAddress = %q", config.ListenAddress)
	}
	if config.PublicURL != "https://proxy.example.com" {
		t.Errorf("PublicURL = %q", config.PublicURL)
	}
	if config.IssueRepo != "example/project" {
		t.Errorf("IssueRepo = %q", config.IssueRepo)
	}
	// Unset fields keep their defaults.
	if config.AuditLogPath != "audit.jsonl" {
		t.Errorf("AuditLogPath = %q", config.AuditLogPath)
	}
	if !config.RateLimit.Enabled || config.RateLimit.RequestsPerMinute != 60 || config.RateLimit.Burst != 20 {
		t.Errorf("RateLimit = %+v", config.RateLimit)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvPortOverride(t *testing.T) {
	t.Setenv("PORT", "9443")
	t.Setenv("PUBLIC_PROXY_URL", "https://tunnel.example.com")

	config := DefaultConfig()
	if err := config.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if config.ListenAddress != "127.0.0.1:9443" {
		t.Errorf("ListenAddress = %q", config.ListenAddress)
	}
	if config.PublicURL != "https://tunnel.example.com" {
		t.Errorf("PublicURL = %q", config.PublicURL)
	}
}

func TestApplyEnvRejectsInvalidPort(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000", "-1"} {
		t.Setenv("PORT", port)
		config := DefaultConfig()
		if err := config.ApplyEnv(); err == nil {
			t.Errorf("PORT=%q: expected error", port)
		}
	}
}
