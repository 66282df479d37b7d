// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxyclient provides a typed HTTP client for the credential
// proxy API. The MCP layer uses the admin-key methods to mint and
// revoke sessions; agent-side tooling uses the session methods to
// forward API calls and move git bundles.
//
// The client mirrors the proxy's wire format using its own response
// types, avoiding an import dependency from agent code back into the
// proxy implementation.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// TTL bounds enforced client-side on CreateSession. The server clamps
// out-of-range values; the client rejects them instead, so a caller
// asking for a week never silently gets eight hours.
const (
	MinTTLMinutes = 1
	MaxTTLMinutes = 480
)

// Client is a typed HTTP client for the credential proxy API.
type Client struct {
	baseURL    string
	adminKey   string
	sessionID  string
	httpClient *http.Client
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL of the proxy, e.g. "https://proxy.example.com" or the
	// local listen address.
	BaseURL string

	// AdminKey authorizes the admin endpoints (sessions, services,
	// issues). Optional for session-only use.
	AdminKey string

	// SessionID authorizes proxy and git endpoints. Optional for
	// admin-only use.
	SessionID string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// New creates a Client.
func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		adminKey:   config.AdminKey,
		sessionID:  config.SessionID,
		httpClient: httpClient,
	}
}

// WithSession returns a copy of the client authorized by the given
// session ID.
func (client *Client) WithSession(sessionID string) *Client {
	copied := *client
	copied.sessionID = sessionID
	return &copied
}

// errorBody extracts the {"error": ...} message from a response body,
// falling back to the raw text.
func errorBody(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}

// HealthResponse is the wire format for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// Health checks proxy liveness.
func (client *Client) Health(ctx context.Context) (*HealthResponse, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	var result HealthResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &result, nil
}

// SessionResponse is the wire format for POST /sessions.
type SessionResponse struct {
	SessionID        string   `json:"session_id"`
	ProxyURL         string   `json:"proxy_url"`
	ExpiresInMinutes int      `json:"expires_in_minutes"`
	Services         []string `json:"services"`
}

// CreateSession mints a session granting access to the listed
// services. Unlike the server, which clamps, the client rejects a TTL
// outside [MinTTLMinutes, MaxTTLMinutes].
func (client *Client) CreateSession(ctx context.Context, services []string, ttlMinutes int) (*SessionResponse, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("create session: services list is required")
	}
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return nil, fmt.Errorf("create session: ttl_minutes %d out of range [%d, %d]",
			ttlMinutes, MinTTLMinutes, MaxTTLMinutes)
	}

	response, err := client.postJSON(ctx, "/sessions", map[string]any{
		"services":    services,
		"ttl_minutes": ttlMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("create session: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	var result SessionResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &result, nil
}

// RevokeSession revokes a session by ID.
func (client *Client) RevokeSession(ctx context.Context, sessionID string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		client.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	request.Header.Set("X-Auth-Key", client.adminKey)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke session: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	return nil
}

// ListServices returns the services a session can be scoped to,
// including the git pseudo-service.
func (client *Client) ListServices(ctx context.Context) ([]string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/services", nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("X-Auth-Key", client.adminKey)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list services: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	var result struct {
		Services []string `json:"services"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return result.Services, nil
}

// Proxy forwards a request through the proxy to an upstream service
// using the client's session. The caller owns the response body.
func (client *Client) Proxy(ctx context.Context, method, service, path string, body io.Reader, contentType string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method,
		client.baseURL+"/proxy/"+service+"/"+strings.TrimPrefix(path, "/"), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("X-Session-Id", client.sessionID)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	return client.httpClient.Do(request)
}

// FetchBundle downloads a repository as a git bundle into destPath.
func (client *Client) FetchBundle(ctx context.Context, repoURL, destPath string) error {
	response, err := client.postJSON(ctx, "/git/fetch-bundle", map[string]string{
		"repo_url": repoURL,
	})
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch bundle: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}

	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, response.Body); err != nil {
		return fmt.Errorf("fetch bundle: writing %s: %w", destPath, err)
	}
	return nil
}

// PushBundleOptions describes one push-bundle upload.
type PushBundleOptions struct {
	RepoURL    string
	Branch     string
	BundlePath string
	CreatePR   bool
	PRTitle    string
	PRBody     string
}

// PushBundleResponse is the wire format for POST /git/push-bundle.
type PushBundleResponse struct {
	Status      string `json:"status"`
	Branch      string `json:"branch"`
	Message     string `json:"message"`
	PRCreated   bool   `json:"pr_created"`
	PRURL       string `json:"pr_url"`
	ManualPRURL string `json:"manual_pr_url"`
	PRMessage   string `json:"pr_message"`
	PRError     string `json:"pr_error"`
}

// PushBundle uploads a bundle file and applies it to a branch of the
// remote repository.
func (client *Client) PushBundle(ctx context.Context, options PushBundleOptions) (*PushBundleResponse, error) {
	file, err := os.Open(options.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("push bundle: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("bundle", "upload.bundle")
	if err != nil {
		return nil, fmt.Errorf("push bundle: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("push bundle: reading %s: %w", options.BundlePath, err)
	}
	fields := map[string]string{
		"repo_url":  options.RepoURL,
		"branch":    options.Branch,
		"create_pr": strconv.FormatBool(options.CreatePR),
		"pr_title":  options.PRTitle,
		"pr_body":   options.PRBody,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("push bundle: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("push bundle: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.baseURL+"/git/push-bundle", &body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	client.setGitAuth(request)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("push bundle: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push bundle: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	var result PushBundleResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("push bundle: %w", err)
	}
	return &result, nil
}

// CreateIssue files a GitHub issue against the proxy's configured
// repository and returns the issue URL. Admin-only.
func (client *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (string, error) {
	response, err := client.postJSON(ctx, "/issues", map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	})
	if err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create issue: HTTP %d: %s", response.StatusCode, errorBody(response.Body))
	}
	var result struct {
		IssueURL string `json:"issue_url"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}
	return result.IssueURL, nil
}

// setGitAuth attaches whichever git-endpoint credential the client
// holds: the session takes precedence over the legacy admin key.
func (client *Client) setGitAuth(request *http.Request) {
	if client.sessionID != "" {
		request.Header.Set("X-Session-Id", client.sessionID)
		return
	}
	if client.adminKey != "" {
		request.Header.Set("X-Auth-Key", client.adminKey)
	}
}

// postJSON makes a POST request with a JSON body and the appropriate
// auth headers for the path.
func (client *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if strings.HasPrefix(path, "/git/") {
		client.setGitAuth(request)
	} else {
		request.Header.Set("X-Auth-Key", client.adminKey)
	}
	return client.httpClient.Do(request)
}
