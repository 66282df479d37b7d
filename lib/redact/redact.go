// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package redact tracks runtime credentials so they can be scrubbed
// from log output and error messages. Tokens minted during token
// refresh (ATProto session JWTs, OAuth2 access tokens) never appear in
// the configuration file, so they must be registered at mint time —
// every refresh path reports its new tokens here before anything else
// can log them.
package redact

import (
	"strings"
	"sync"
)

// Placeholder replaces each tracked credential in redacted text.
const Placeholder = "[REDACTED]"

// minSecretLength guards against registering short strings that would
// mangle unrelated text (an empty or single-character "secret" would
// match everywhere).
const minSecretLength = 8

// Tracker holds the set of runtime credentials to scrub. The zero
// value is not usable; call NewTracker.
type Tracker struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{secrets: make(map[string]struct{})}
}

// Track registers a runtime credential for redaction. Strings shorter
// than eight characters are ignored. Safe to call concurrently with
// Redact.
func (t *Tracker) Track(secret string) {
	if len(secret) < minSecretLength {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.secrets[secret] = struct{}{}
}

// Redact returns text with every tracked credential replaced by
// Placeholder.
func (t *Tracker) Redact(text string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.secrets {
		text = strings.ReplaceAll(text, secret, Placeholder)
	}
	return text
}

// Len reports how many credentials are currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.secrets)
}
