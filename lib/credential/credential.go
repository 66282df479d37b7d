// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Jython1415/claude-ai-skills/lib/clock"
	"github.com/Jython1415/claude-ai-skills/lib/redact"
)

const (
	// refreshSkew is how close to expiry a cached token may get before
	// it is proactively refreshed.
	refreshSkew = 5 * time.Minute

	// atprotoSessionLifetime is the assumed lifetime of an ATProto
	// access JWT. The server does not report one; two hours matches
	// observed bsky.social behavior.
	atprotoSessionLifetime = 2 * time.Hour

	// defaultOAuth2Lifetime applies when the provider omits expires_in.
	defaultOAuth2Lifetime = time.Hour

	// refreshTimeout bounds each token-endpoint round trip.
	refreshTimeout = 10 * time.Second
)

// Credential is how the proxy authenticates to one upstream service.
// It is a closed union: exactly one implementation exists per
// credential type (atproto, oauth2, bearer, header, query).
type Credential interface {
	// Type returns the credential type tag.
	Type() string

	// BaseURL returns the upstream base URL requests are forwarded to.
	BaseURL() string

	// InjectAuth adds authentication to an outbound request, mutating
	// headers and/or returning a rewritten URL. Token-refreshing types
	// fail open: when no token can be obtained the headers are left
	// unmodified (the failure is logged) and the upstream's 401 is the
	// caller-visible outcome.
	InjectAuth(ctx context.Context, headers http.Header, rawURL string) string
}

// ---- static credential types ----

// BearerCredential injects a static Authorization: Bearer token.
type BearerCredential struct {
	baseURL string
	token   string
}

// NewBearer creates a bearer-token credential.
func NewBearer(baseURL, token string) *BearerCredential {
	return &BearerCredential{baseURL: baseURL, token: token}
}

func (c *BearerCredential) Type() string    { return "bearer" }
func (c *BearerCredential) BaseURL() string { return c.baseURL }

func (c *BearerCredential) InjectAuth(ctx context.Context, headers http.Header, rawURL string) string {
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	return rawURL
}

// HeaderCredential injects a static credential into a custom header.
type HeaderCredential struct {
	baseURL    string
	value      string
	headerName string
}

// NewHeader creates a custom-header credential. headerName defaults to
// X-API-Key when empty.
func NewHeader(baseURL, value, headerName string) *HeaderCredential {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	return &HeaderCredential{baseURL: baseURL, value: value, headerName: headerName}
}

func (c *HeaderCredential) Type() string    { return "header" }
func (c *HeaderCredential) BaseURL() string { return c.baseURL }

func (c *HeaderCredential) InjectAuth(ctx context.Context, headers http.Header, rawURL string) string {
	if c.value != "" {
		headers.Set(c.headerName, c.value)
	}
	return rawURL
}

// QueryCredential appends a static credential as a query parameter.
type QueryCredential struct {
	baseURL   string
	value     string
	paramName string
}

// NewQuery creates a query-parameter credential. paramName defaults to
// api_key when empty.
func NewQuery(baseURL, value, paramName string) *QueryCredential {
	if paramName == "" {
		paramName = "api_key"
	}
	return &QueryCredential{baseURL: baseURL, value: value, paramName: paramName}
}

func (c *QueryCredential) Type() string    { return "query" }
func (c *QueryCredential) BaseURL() string { return c.baseURL }

func (c *QueryCredential) InjectAuth(ctx context.Context, headers http.Header, rawURL string) string {
	if c.value == "" {
		return rawURL
	}
	separator := "?"
	if strings.Contains(rawURL, "?") {
		separator = "&"
	}
	return rawURL + separator + c.paramName + "=" + url.QueryEscape(c.value)
}

// ---- ATProto ----

// atprotoSession is a cached ATProto session.
type atprotoSession struct {
	accessJWT  string
	refreshJWT string
	did        string
	handle     string
	expiresAt  time.Time
}

// ATProtoConfig holds configuration for creating an ATProtoCredential.
type ATProtoConfig struct {
	BaseURL     string
	Identifier  string
	AppPassword string

	// HTTPClient for session endpoints. Defaults to a client with
	// refreshTimeout.
	HTTPClient *http.Client

	// Clock for expiry checks. Defaults to clock.Real().
	Clock clock.Clock

	// Tracker receives every minted JWT for redaction. May be nil.
	Tracker *redact.Tracker

	// Logger for refresh outcomes. Defaults to slog.Default().
	Logger *slog.Logger
}

// ATProtoCredential authenticates with an ATProto PDS using an
// identifier and app password, managing a lazily-created cached
// session. The credential owns its cache and lock; a cache is never
// shared across service names.
type ATProtoCredential struct {
	baseURL     string
	identifier  string
	appPassword string
	client      *http.Client
	clock       clock.Clock
	tracker     *redact.Tracker
	logger      *slog.Logger

	mu      sync.Mutex
	session *atprotoSession
}

// NewATProto creates an ATProto credential.
func NewATProto(config ATProtoConfig) *ATProtoCredential {
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
	return &ATProtoCredential{
		baseURL:     config.BaseURL,
		identifier:  config.Identifier,
		appPassword: config.AppPassword,
		client:      client,
		clock:       c,
		tracker:     config.Tracker,
		logger:      logger,
	}
}

func (c *ATProtoCredential) Type() string    { return "atproto" }
func (c *ATProtoCredential) BaseURL() string { return c.baseURL }

func (c *ATProtoCredential) InjectAuth(ctx context.Context, headers http.Header, rawURL string) string {
	token, err := c.Token(ctx)
	if err != nil {
		c.logger.Error("obtaining ATProto session token", "error", err)
		return rawURL
	}
	headers.Set("Authorization", "Bearer "+token)
	return rawURL
}

// Token returns a valid access JWT, creating or refreshing the cached
// session as needed. At most one refresh network call is in flight per
// credential: concurrent callers block on the lock and observe the
// result of the in-progress refresh.
func (c *ATProtoCredential) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.session != nil {
		if c.session.expiresAt.After(now.Add(refreshSkew)) {
			return c.session.accessJWT, nil
		}
		// Near or past expiry: try a refresh before falling back to a
		// full re-authentication.
		if err := c.refreshSession(ctx); err == nil {
			return c.session.accessJWT, nil
		}
	}

	if err := c.createSession(ctx); err != nil {
		return "", err
	}
	return c.session.accessJWT, nil
}

// atprotoSessionResponse is the wire format of createSession and
// refreshSession responses.
type atprotoSessionResponse struct {
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// createSession performs full authentication with the app password.
// Caller holds c.mu.
func (c *ATProtoCredential) createSession(ctx context.Context) error {
	if c.identifier == "" || c.appPassword == "" {
		return fmt.Errorf("atproto credential missing identifier or app_password")
	}

	body, err := json.Marshal(map[string]string{
		"identifier": c.identifier,
		"password":   c.appPassword,
	})
	if err != nil {
		return fmt.Errorf("encoding createSession request: %w", err)
	}

	var parsed atprotoSessionResponse
	if err := c.postSession(ctx, "com.atproto.server.createSession", bytes.NewReader(body), "", &parsed); err != nil {
		return fmt.Errorf("create atproto session: %w", err)
	}

	c.storeSession(parsed)
	c.logger.Info("created atproto session", "handle", parsed.Handle)
	return nil
}

// refreshSession exchanges the cached refresh JWT for a new session.
// On failure the cache is cleared so the next attempt does a full
// re-authentication instead of retrying a dead refresh token. Caller
// holds c.mu.
func (c *ATProtoCredential) refreshSession(ctx context.Context) error {
	if c.session == nil {
		return fmt.Errorf("no atproto session to refresh")
	}

	var parsed atprotoSessionResponse
	err := c.postSession(ctx, "com.atproto.server.refreshSession", nil, c.session.refreshJWT, &parsed)
	if err != nil {
		c.session = nil
		c.logger.Warn("refreshing atproto session", "error", err)
		return fmt.Errorf("refresh atproto session: %w", err)
	}

	c.storeSession(parsed)
	c.logger.Info("refreshed atproto session", "handle", parsed.Handle)
	return nil
}

func (c *ATProtoCredential) postSession(ctx context.Context, endpoint string, body io.Reader, bearer string, out *atprotoSessionResponse) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.baseURL, "/")+"/"+endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", endpoint, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	if out.AccessJWT == "" {
		return fmt.Errorf("%s response missing accessJwt", endpoint)
	}
	return nil
}

func (c *ATProtoCredential) storeSession(parsed atprotoSessionResponse) {
	c.session = &atprotoSession{
		accessJWT:  parsed.AccessJWT,
		refreshJWT: parsed.RefreshJWT,
		did:        parsed.DID,
		handle:     parsed.Handle,
		expiresAt:  c.clock.Now().Add(atprotoSessionLifetime),
	}
	if c.tracker != nil {
		c.tracker.Track(parsed.AccessJWT)
		c.tracker.Track(parsed.RefreshJWT)
	}
}

// ---- OAuth2 ----

// oauth2Token is a cached OAuth2 access token.
type oauth2Token struct {
	accessToken string
	expiresAt   time.Time
}

// OAuth2Config holds configuration for creating an OAuth2Credential.
type OAuth2Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TokenURL defaults to Google's token endpoint.
	TokenURL string

	// HTTPClient for the token endpoint. Defaults to a client with
	// refreshTimeout.
	HTTPClient *http.Client

	// Clock for expiry checks. Defaults to clock.Real().
	Clock clock.Clock

	// Tracker receives every minted access token for redaction. May be
	// nil.
	Tracker *redact.Tracker

	// Logger for refresh outcomes. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultTokenURL is the token endpoint used when none is configured.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// OAuth2Credential authenticates via refresh-token exchange against an
// OAuth2 token endpoint, caching the short-lived access token. The
// proxy never performs authorization-code flows; the refresh token is
// bootstrapped externally.
type OAuth2Credential struct {
	baseURL      string
	clientID     string
	clientSecret string
	refreshToken string
	tokenURL     string
	client       *http.Client
	clock        clock.Clock
	tracker      *redact.Tracker
	logger       *slog.Logger

	mu    sync.Mutex
	token *oauth2Token
}

// NewOAuth2 creates an OAuth2 credential.
func NewOAuth2(config OAuth2Config) *OAuth2Credential {
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
	tokenURL := config.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &OAuth2Credential{
		baseURL:      config.BaseURL,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		refreshToken: config.RefreshToken,
		tokenURL:     tokenURL,
		client:       client,
		clock:        c,
		tracker:      config.Tracker,
		logger:       logger,
	}
}

func (c *OAuth2Credential) Type() string    { return "oauth2" }
func (c *OAuth2Credential) BaseURL() string { return c.baseURL }

func (c *OAuth2Credential) InjectAuth(ctx context.Context, headers http.Header, rawURL string) string {
	token, err := c.Token(ctx)
	if err != nil {
		c.logger.Error("obtaining OAuth2 access token", "error", err)
		return rawURL
	}
	headers.Set("Authorization", "Bearer "+token)
	return rawURL
}

// Token returns a valid access token, refreshing when the cached token
// is within refreshSkew of expiry. Concurrent callers serialize on the
// credential lock, so at most one refresh call is in flight and later
// callers observe its result.
func (c *OAuth2Credential) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != nil && c.token.expiresAt.After(now.Add(refreshSkew)) {
		return c.token.accessToken, nil
	}

	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	return c.token.accessToken, nil
}

// refresh performs the refresh-token grant. On failure the cache is
// cleared: the next call attempts a fresh exchange rather than
// returning a stale token. Caller holds c.mu.
func (c *OAuth2Credential) refresh(ctx context.Context) error {
	if c.clientID == "" || c.clientSecret == "" || c.refreshToken == "" {
		c.token = nil
		return fmt.Errorf("oauth2 credential missing client_id, client_secret, or refresh_token")
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)

	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	minted, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken}).Token()
	if err != nil {
		c.token = nil
		c.logger.Error("refreshing OAuth2 token", "error", err)
		return fmt.Errorf("refresh oauth2 token: %w", err)
	}

	expiresAt := minted.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.clock.Now().Add(defaultOAuth2Lifetime)
	}
	c.token = &oauth2Token{
		accessToken: minted.AccessToken,
		expiresAt:   expiresAt,
	}
	if c.tracker != nil {
		c.tracker.Track(minted.AccessToken)
	}
	c.logger.Info("refreshed OAuth2 access token")
	return nil
}

// Verify all variants implement Credential.
var (
	_ Credential = (*BearerCredential)(nil)
	_ Credential = (*HeaderCredential)(nil)
	_ Credential = (*QueryCredential)(nil)
	_ Credential = (*ATProtoCredential)(nil)
	_ Credential = (*OAuth2Credential)(nil)
)
