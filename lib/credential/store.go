// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/Jython1415/claude-ai-skills/lib/clock"
	"github.com/Jython1415/claude-ai-skills/lib/redact"
)

// knownService carries defaults applied to well-known service names so
// the credentials file can stay minimal.
type knownService struct {
	credType string
	baseURL  string
}

var knownServices = map[string]knownService{
	"bsky":       {credType: "atproto", baseURL: "https://bsky.social/xrpc"},
	"github_api": {credType: "bearer", baseURL: "https://api.github.com"},
	"gmail":      {credType: "oauth2", baseURL: "https://gmail.googleapis.com"},
	"gcal":       {credType: "oauth2", baseURL: "https://www.googleapis.com/calendar/v3"},
	"gdrive":     {credType: "oauth2", baseURL: "https://www.googleapis.com/drive/v3"},
}

// rawService is one entry of the credentials file. Unknown fields are
// ignored so the file can carry operator notes.
type rawService struct {
	Type    string `json:"type"`
	BaseURL string `json:"base_url"`

	// bearer
	Token      string `json:"token"`
	Credential string `json:"credential"`

	// header / query
	AuthHeader string `json:"auth_header"`
	QueryParam string `json:"query_param"`

	// atproto
	Identifier  string `json:"identifier"`
	AppPassword string `json:"app_password"`

	// oauth2
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	TokenURL     string `json:"token_url"`
}

// StoreConfig holds configuration for creating a credential Store.
type StoreConfig struct {
	// Path of the credentials file (JSON with comments permitted).
	Path string

	// HTTPClient used by token-refreshing credentials. Defaults to a
	// client with refreshTimeout.
	HTTPClient *http.Client

	// Clock propagated to token-refreshing credentials. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Tracker propagated to token-refreshing credentials. May be nil.
	Tracker *redact.Tracker

	// Logger for load outcomes. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store loads credentials from a file and hands them out by service
// name. The file is re-read when its modification time changes, so
// operators can rotate secrets without restarting the proxy. Reload
// replaces credential objects wholesale, which also discards any
// cached tokens minted from the old secrets.
type Store struct {
	path    string
	client  *http.Client
	clock   clock.Clock
	tracker *redact.Tracker
	logger  *slog.Logger

	mu          sync.Mutex
	modTime     time.Time
	credentials map[string]Credential
}

// NewStore creates a Store and performs the initial load. A missing or
// malformed file is logged and yields an empty store; the proxy still
// serves sessions and git operations without credentials.
func NewStore(config StoreConfig) *Store {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{
		path:        config.Path,
		client:      client,
		clock:       c,
		tracker:     config.Tracker,
		logger:      logger,
		credentials: map[string]Credential{},
	}
	store.mu.Lock()
	store.loadLocked()
	store.mu.Unlock()
	return store
}

// Get returns the credential for a service, or nil when the service is
// not configured. The file is reloaded first if it changed on disk.
func (s *Store) Get(service string) Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	return s.credentials[service]
}

// ListServices returns the configured service names in sorted order.
func (s *Store) ListServices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	services := make([]string, 0, len(s.credentials))
	for name := range s.credentials {
		services = append(services, name)
	}
	slices.Sort(services)
	return services
}

// Reload forces a re-read of the credentials file.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
}

// maybeReloadLocked re-reads the file when its mtime moved. Caller
// holds s.mu.
func (s *Store) maybeReloadLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !info.ModTime().Equal(s.modTime) {
		s.loadLocked()
	}
}

// loadLocked replaces the credential map from disk. Caller holds s.mu.
func (s *Store) loadLocked() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("credentials file not found", "path", s.path)
		} else {
			s.logger.Error("reading credentials file", "path", s.path, "error", err)
		}
		s.credentials = map[string]Credential{}
		return
	}

	var entries map[string]rawService
	if err := json.Unmarshal(jsonc.ToJSON(raw), &entries); err != nil {
		s.logger.Error("parsing credentials file", "path", s.path, "error", err)
		s.credentials = map[string]Credential{}
		return
	}

	credentials := make(map[string]Credential, len(entries))
	for name, entry := range entries {
		credential, err := s.buildCredential(name, entry)
		if err != nil {
			// A bad entry must not take down the rest of the file.
			s.logger.Warn("skipping credential entry", "service", name, "error", err)
			continue
		}
		credentials[name] = credential
	}

	s.credentials = credentials
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	s.logger.Info("loaded credentials", "path", s.path, "services", len(credentials))
}

// buildCredential resolves the type and base URL for one entry and
// constructs the matching credential.
func (s *Store) buildCredential(name string, entry rawService) (Credential, error) {
	known, isKnown := knownServices[name]

	credType := entry.Type
	if credType == "" && isKnown {
		credType = known.credType
	}
	if credType == "" {
		credType = inferType(entry)
	}
	if credType == "" {
		return nil, fmt.Errorf("cannot determine credential type")
	}

	baseURL := entry.BaseURL
	if baseURL == "" && isKnown {
		baseURL = known.baseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no base_url configured")
	}

	switch credType {
	case "atproto":
		return NewATProto(ATProtoConfig{
			BaseURL:     baseURL,
			Identifier:  entry.Identifier,
			AppPassword: entry.AppPassword,
			HTTPClient:  s.client,
			Clock:       s.clock,
			Tracker:     s.tracker,
			Logger:      s.logger,
		}), nil
	case "oauth2":
		return NewOAuth2(OAuth2Config{
			BaseURL:      baseURL,
			ClientID:     entry.ClientID,
			ClientSecret: entry.ClientSecret,
			RefreshToken: entry.RefreshToken,
			TokenURL:     entry.TokenURL,
			HTTPClient:   s.client,
			Clock:        s.clock,
			Tracker:      s.tracker,
			Logger:       s.logger,
		}), nil
	case "bearer":
		return NewBearer(baseURL, staticValue(entry)), nil
	case "header":
		return NewHeader(baseURL, staticValue(entry), entry.AuthHeader), nil
	case "query":
		return NewQuery(baseURL, staticValue(entry), entry.QueryParam), nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", credType)
	}
}

// inferType guesses a credential type from which secret fields the
// entry carries.
func inferType(entry rawService) string {
	switch {
	case entry.Identifier != "" && entry.AppPassword != "":
		return "atproto"
	case entry.RefreshToken != "":
		return "oauth2"
	case entry.AuthHeader != "":
		return "header"
	case entry.QueryParam != "":
		return "query"
	case entry.Token != "" || entry.Credential != "":
		return "bearer"
	default:
		return ""
	}
}

// staticValue returns the secret of a static credential, accepting
// either field name.
func staticValue(entry rawService) string {
	if entry.Token != "" {
		return entry.Token
	}
	return entry.Credential
}
