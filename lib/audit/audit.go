// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit appends structured JSON Lines entries to a log file
// for security-relevant events: session lifecycle, proxied requests,
// git operations, and issue creation. Each line is a self-contained
// JSON object. Writes are best-effort — a failed audit write is logged
// and never aborts the request being audited. The core only writes
// events; nothing reads them back.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is an append-only JSON Lines audit sink.
type Log struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewLog creates an audit log writing to path, creating the parent
// directory if needed.
func NewLog(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	logger.Info("audit log configured", "path", path)
	return &Log{path: path, logger: logger}, nil
}

// write marshals entry and appends it as one line. Failures are logged
// and swallowed: auditing must never take down the request it audits.
func (l *Log) write(entry map[string]any) {
	entry["event_id"] = uuid.NewString()
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("marshaling audit entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		l.logger.Error("opening audit log", "error", err)
		return
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		l.logger.Error("writing audit entry", "error", err)
	}
}

// SessionCreated records issuance of a new session.
func (l *Log) SessionCreated(sessionID string, services []string, ttlMinutes int) {
	l.write(map[string]any{
		"event":       "session_created",
		"session_id":  sessionID,
		"services":    services,
		"ttl_minutes": ttlMinutes,
	})
}

// SessionRevoked records explicit revocation of a session.
func (l *Log) SessionRevoked(sessionID string) {
	l.write(map[string]any{
		"event":      "session_revoked",
		"session_id": sessionID,
	})
}

// SessionExpired records lazy removal of an expired session.
func (l *Log) SessionExpired(sessionID string) {
	l.write(map[string]any{
		"event":      "session_expired",
		"session_id": sessionID,
	})
}

// ProxyRequest records one proxied upstream request. blockedReason is
// empty unless the endpoint filter rejected the request.
func (l *Log) ProxyRequest(sessionID, service, method, path, upstreamURL string, status int, blockedReason string) {
	entry := map[string]any{
		"event":        "proxy_request",
		"session_id":   sessionID,
		"service":      service,
		"method":       method,
		"path":         path,
		"upstream_url": upstreamURL,
		"status":       status,
	}
	if blockedReason != "" {
		entry["blocked_reason"] = blockedReason
	}
	l.write(entry)
}

// GitFetch records a bundle fetch attempt. authType is "session",
// "legacy_key", or empty for unauthorized attempts.
func (l *Log) GitFetch(sessionID, repoURL string, status int, authType string) {
	l.write(map[string]any{
		"event":      "git_fetch",
		"session_id": sessionID,
		"repo_url":   repoURL,
		"status":     status,
		"auth_type":  authType,
	})
}

// GitPush records a bundle push attempt.
func (l *Log) GitPush(sessionID, repoURL, branch string, status int, prURL, authType string) {
	l.write(map[string]any{
		"event":      "git_push",
		"session_id": sessionID,
		"repo_url":   repoURL,
		"branch":     branch,
		"status":     status,
		"pr_url":     prURL,
		"auth_type":  authType,
	})
}

// IssueCreated records creation of a GitHub issue through the proxy.
func (l *Log) IssueCreated(issueURL, title string, labels []string) {
	if labels == nil {
		labels = []string{}
	}
	l.write(map[string]any{
		"event":     "issue_created",
		"issue_url": issueURL,
		"title":     title,
		"labels":    labels,
	})
}
