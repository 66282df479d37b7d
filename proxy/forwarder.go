// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Jython1415/claude-ai-skills/lib/credential"
	"github.com/Jython1415/claude-ai-skills/lib/redact"
)

// upstreamTimeout bounds every forwarded request.
const upstreamTimeout = 60 * time.Second

// streamChunkSize is the buffer size for streaming upstream responses.
const streamChunkSize = 8192

// allowedForwardHeaders is the hard allowlist of request headers
// forwarded upstream. Everything else, including the proxy's own auth
// headers, is dropped.
var allowedForwardHeaders = map[string]bool{
	"content-type":     true,
	"accept":           true,
	"accept-language":  true,
	"accept-encoding":  true,
	"user-agent":       true,
	"content-length":   true,
	"content-encoding": true,
}

// excludedResponseHeaders are hop-by-hop or recalculated headers that
// must not be copied back from the upstream response.
var excludedResponseHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-encoding":  true,
	"content-length":    true,
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a simple {"error": ...} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ForwarderConfig holds configuration for creating a Forwarder.
type ForwarderConfig struct {
	// Credentials resolves service names to credentials.
	Credentials *credential.Store

	// Tracker redacts minted tokens from logged upstream errors. May
	// be nil.
	Tracker *redact.Tracker

	// Client is the upstream HTTP client. Defaults to a client with
	// upstreamTimeout.
	Client *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Forwarder sends a proxied request to the upstream service with the
// service's credential injected and streams the response back. It
// never interprets upstream bodies and never forwards the proxy's own
// authentication headers.
type Forwarder struct {
	credentials *credential.Store
	tracker     *redact.Tracker
	client      *http.Client
	logger      *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(config ForwarderConfig) *Forwarder {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: upstreamTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		credentials: config.Credentials,
		tracker:     config.Tracker,
		client:      client,
		logger:      logger,
	}
}

// redacted passes text through the redaction tracker when present.
func (f *Forwarder) redacted(text string) string {
	if f.tracker == nil {
		return text
	}
	return f.tracker.Redact(text)
}

// Forward proxies one request to the named service and returns the
// status written to the client, for audit logging.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, path string) int {
	cred := f.credentials.Get(service)
	if cred == nil {
		f.logger.Warn("unknown service requested", "service", service)
		writeError(w, http.StatusNotFound, "unknown service: "+service)
		return http.StatusNotFound
	}

	// Reject traversal in both the raw and decoded path: an encoded
	// "%2e%2e" must not slip past a raw-only check.
	decoded, err := url.PathUnescape(path)
	if err != nil {
		decoded = path
	}
	if strings.Contains(path, "..") || strings.Contains(decoded, "..") {
		f.logger.Warn("path traversal detected in proxy path", "service", service, "path", path)
		writeError(w, http.StatusBadRequest, "path traversal detected")
		return http.StatusBadRequest
	}

	baseURL := strings.TrimRight(cred.BaseURL(), "/")
	targetURL := baseURL + "/" + path

	// Pin the target host to the credential's host after URL
	// construction, so nothing the path contributed can redirect the
	// credential to another origin.
	parsedBase, err := url.Parse(baseURL)
	if err != nil {
		f.logger.Error("invalid credential base URL", "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "invalid service configuration")
		return http.StatusInternalServerError
	}
	parsedTarget, err := url.Parse(targetURL)
	if err != nil || parsedTarget.Host != parsedBase.Host {
		f.logger.Warn("proxy target host mismatch", "service", service, "path", path)
		writeError(w, http.StatusBadRequest, "proxy target host mismatch")
		return http.StatusBadRequest
	}

	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	headers := filterRequestHeaders(r.Header)
	targetURL = cred.InjectAuth(r.Context(), headers, targetURL)

	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = r.Body
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	upstreamRequest, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		f.logger.Error("failed to create upstream request", "service", service, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"what":   "Proxy error occurred",
			"why":    "Request forwarding failed",
			"action": "Check proxy server logs for details",
		})
		return http.StatusInternalServerError
	}
	upstreamRequest.Header = headers

	f.logger.Info("proxying request", "service", service, "method", r.Method, "path", path)

	response, err := f.client.Do(upstreamRequest)
	if err != nil {
		return f.writeUpstreamError(w, service, path, err)
	}
	defer response.Body.Close()

	for key, values := range response.Header {
		if excludedResponseHeaders[strings.ToLower(key)] {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(response.StatusCode)
	f.stream(w, response.Body)
	return response.StatusCode
}

// writeUpstreamError maps an upstream failure to a client status
// without exposing the raw error text.
func (f *Forwarder) writeUpstreamError(w http.ResponseWriter, service, path string, err error) int {
	logged := f.redacted(err.Error())

	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()):
		f.logger.Error("upstream timeout", "service", service, "path", path, "error", logged)
		writeError(w, http.StatusGatewayTimeout, "upstream timeout")
		return http.StatusGatewayTimeout
	case errors.As(err, &urlErr):
		f.logger.Error("upstream connection failed", "service", service, "path", path, "error", logged)
		writeError(w, http.StatusBadGateway, "upstream connection failed")
		return http.StatusBadGateway
	default:
		f.logger.Error("proxy error", "service", service, "path", path, "error", logged)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"what":   "Proxy error occurred",
			"why":    "Request forwarding failed",
			"action": "Check proxy server logs for details",
		})
		return http.StatusInternalServerError
	}
}

// stream copies the upstream body in small chunks, flushing after each
// so large or slow responses reach the client incrementally.
func (f *Forwarder) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buffer := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				f.logger.Warn("client disconnected during response stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Warn("upstream error during response stream", "error", fmt.Sprintf("%v", err))
			}
			return
		}
	}
}

// filterRequestHeaders keeps only the allowlisted request headers.
func filterRequestHeaders(headers http.Header) http.Header {
	filtered := http.Header{}
	for key, values := range headers {
		if !allowedForwardHeaders[strings.ToLower(key)] {
			continue
		}
		for _, value := range values {
			filtered.Add(key, value)
		}
	}
	return filtered
}
