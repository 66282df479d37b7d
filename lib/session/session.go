// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the in-memory store of short-lived
// authorization sessions. A session is an admin-issued capability: an
// opaque random ID scoping which upstream services its holder may
// reach through the proxy. Sessions are never persisted — a process
// restart revokes everything, which is acceptable for capabilities
// measured in minutes.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Jython1415/claude-ai-skills/lib/clock"
)

// TTL bounds for session creation, in minutes. Create clamps rather
// than rejects; callers wanting strict validation do it before calling
// (see lib/proxyclient).
const (
	MinTTLMinutes = 1
	MaxTTLMinutes = 480
)

// Session is a time-boxed grant of access to a set of services. The
// service list is immutable once created: there is no later grant or
// revoke of individual services, only revocation of the whole session.
type Session struct {
	ID        string
	Services  []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// HasService reports whether the session grants access to service.
func (s *Session) HasService(service string) bool {
	return slices.Contains(s.Services, service)
}

// ExpiredAt reports whether the session is expired as of now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// StoreConfig holds configuration for creating a Store.
type StoreConfig struct {
	// OnExpired is invoked once for each session removed because its
	// deadline passed (lazy removal during Get/HasService or a bulk
	// CleanupExpired sweep). Used for audit logging. May be nil.
	// Called synchronously while the store lock is NOT held.
	OnExpired func(sessionID string)

	// Clock for expiry checks. Defaults to clock.Real().
	Clock clock.Clock

	// Logger for session lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the in-memory session store. All operations are atomic
// under a single mutex; the expiry check is never performed outside
// it.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	onExpired func(string)
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(config StoreConfig) *Store {
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:  make(map[string]*Session),
		onExpired: config.OnExpired,
		clock:     c,
		logger:    logger,
	}
}

// Create issues a new session granting access to services for
// ttlMinutes. The TTL is clamped to [MinTTLMinutes, MaxTTLMinutes].
// The session ID is a 256-bit cryptographically random URL-safe
// string.
func (s *Store) Create(services []string, ttlMinutes int) *Session {
	if ttlMinutes < MinTTLMinutes {
		ttlMinutes = MinTTLMinutes
	}
	if ttlMinutes > MaxTTLMinutes {
		ttlMinutes = MaxTTLMinutes
	}

	now := s.clock.Now()
	session := &Session{
		ID:        newSessionID(),
		Services:  slices.Clone(services),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.Info("session created",
		"session_prefix", idPrefix(session.ID),
		"services", services,
		"ttl_minutes", ttlMinutes,
	)
	return session
}

// Get returns the session with the given ID, or nil if it does not
// exist or has expired. An expired session is removed and the expiry
// callback fires exactly once for it.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if session.ExpiredAt(s.clock.Now()) {
		delete(s.sessions, id)
		s.mu.Unlock()
		s.notifyExpired(id)
		return nil
	}
	s.mu.Unlock()
	return session
}

// HasService reports whether id maps to a live session whose scope
// includes service. False when the session is missing or expired.
func (s *Store) HasService(id, service string) bool {
	session := s.Get(id)
	return session != nil && session.HasService(service)
}

// Revoke removes the session with the given ID, reporting whether it
// existed. Revoking an expired-but-unswept session counts as existing.
func (s *Store) Revoke(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if ok {
		s.logger.Info("session revoked", "session_prefix", idPrefix(id))
	}
	return ok
}

// CleanupExpired removes every expired session and returns how many
// were removed. The expiry callback fires once per removed session.
func (s *Store) CleanupExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for id, session := range s.sessions {
		if session.ExpiredAt(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.notifyExpired(id)
	}
	return len(expired)
}

// Len returns the number of stored sessions, including any expired
// sessions not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) notifyExpired(id string) {
	s.logger.Info("session expired", "session_prefix", idPrefix(id))
	if s.onExpired != nil {
		s.onExpired(id)
	}
}

// newSessionID returns a 256-bit random identifier in URL-safe base64.
func newSessionID() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does,
		// issuing capabilities is unsafe.
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// idPrefix returns the first 8 characters of a session ID for logging.
// Full IDs are capabilities and never logged.
func idPrefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
