// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Jython1415/claude-ai-skills/lib/credential"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// newTestStore builds a credential store from a literal credentials
// document.
func newTestStore(t *testing.T, content string) *credential.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing credentials: %v", err)
	}
	return credential.NewStore(credential.StoreConfig{Path: path, Logger: quietLogger()})
}

func bearerStoreFor(t *testing.T, baseURL string) *credential.Store {
	t.Helper()
	return newTestStore(t, fmt.Sprintf(`{"mock": {"base_url": %q, "token": "tok-1"}}`, baseURL))
}

func decodeErrorBody(t *testing.T, body io.Reader) string {
	t.Helper()
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return parsed.Error
}

func TestForwardInjectsCredentialAndFiltersHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, upstream.URL),
		Logger:      quietLogger(),
	})

	request := httptest.NewRequest("GET", "/proxy/mock/v1/items?limit=5", nil)
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Session-Id", "should-not-forward")
	request.Header.Set("Cookie", "secret=1")
	recorder := httptest.NewRecorder()

	status := forwarder.Forward(recorder, request, "mock", "v1/items")
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if got := recorder.Header().Get("X-Upstream"); got != "yes" {
		t.Errorf("X-Upstream = %q, want %q", got, "yes")
	}
	if body := recorder.Body.String(); body != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}

	if got := seen.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("upstream Authorization = %q, want injected bearer", got)
	}
	if got := seen.Get("Accept"); got != "application/json" {
		t.Errorf("upstream Accept = %q, want forwarded", got)
	}
	if seen.Get("X-Session-Id") != "" {
		t.Error("X-Session-Id leaked upstream")
	}
	if seen.Get("Cookie") != "" {
		t.Error("Cookie leaked upstream")
	}
}

func TestForwardPreservesQueryString(t *testing.T) {
	var query string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
	}))
	defer upstream.Close()

	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, upstream.URL),
		Logger:      quietLogger(),
	})

	request := httptest.NewRequest("GET", "/proxy/mock/v1/items?limit=5&q=x", nil)
	forwarder.Forward(httptest.NewRecorder(), request, "mock", "v1/items")
	if query != "limit=5&q=x" {
		t.Errorf("upstream query = %q, want %q", query, "limit=5&q=x")
	}
}

func TestForwardQueryCredential(t *testing.T) {
	var query string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
	}))
	defer upstream.Close()

	store := newTestStore(t, fmt.Sprintf(
		`{"weather": {"base_url": %q, "credential": "k", "query_param": "appid"}}`, upstream.URL))
	forwarder := NewForwarder(ForwarderConfig{Credentials: store, Logger: quietLogger()})

	request := httptest.NewRequest("GET", "/proxy/weather/data?city=tokyo", nil)
	forwarder.Forward(httptest.NewRecorder(), request, "weather", "data")
	if !strings.Contains(query, "appid=k") || !strings.Contains(query, "city=tokyo") {
		t.Errorf("upstream query = %q, want city and appid params", query)
	}
}

func TestForwardUnknownService(t *testing.T) {
	forwarder := NewForwarder(ForwarderConfig{
		Credentials: newTestStore(t, `{}`),
		Logger:      quietLogger(),
	})
	recorder := httptest.NewRecorder()
	status := forwarder.Forward(recorder, httptest.NewRequest("GET", "/proxy/nope/x", nil), "nope", "x")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if got := decodeErrorBody(t, recorder.Body); got != "unknown service: nope" {
		t.Errorf("error = %q", got)
	}
}

func TestForwardPathTraversal(t *testing.T) {
	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, "https://api.example.com"),
		Logger:      quietLogger(),
	})

	for _, path := range []string{"../secrets", "v1/%2e%2e/admin", "a/../../b"} {
		recorder := httptest.NewRecorder()
		status := forwarder.Forward(recorder, httptest.NewRequest("GET", "/proxy/mock/x", nil), "mock", path)
		if status != http.StatusBadRequest {
			t.Errorf("path %q: status = %d, want 400", path, status)
			continue
		}
		if got := decodeErrorBody(t, recorder.Body); got != "path traversal detected" {
			t.Errorf("path %q: error = %q", path, got)
		}
	}
}

func TestForwardUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, upstream.URL),
		Client:      &http.Client{Timeout: 50 * time.Millisecond},
		Logger:      quietLogger(),
	})

	recorder := httptest.NewRecorder()
	status := forwarder.Forward(recorder, httptest.NewRequest("GET", "/proxy/mock/slow", nil), "mock", "slow")
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", status)
	}
	if got := decodeErrorBody(t, recorder.Body); got != "upstream timeout" {
		t.Errorf("error = %q", got)
	}
}

func TestForwardUpstreamConnectionFailure(t *testing.T) {
	// Grab a port that nothing listens on.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, deadURL),
		Logger:      quietLogger(),
	})

	recorder := httptest.NewRecorder()
	status := forwarder.Forward(recorder, httptest.NewRequest("GET", "/proxy/mock/x", nil), "mock", "x")
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if got := decodeErrorBody(t, recorder.Body); got != "upstream connection failed" {
		t.Errorf("error = %q", got)
	}
}

func TestForwardStreamsLargeBody(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer upstream.Close()

	forwarder := NewForwarder(ForwarderConfig{
		Credentials: bearerStoreFor(t, upstream.URL),
		Logger:      quietLogger(),
	})

	recorder := httptest.NewRecorder()
	forwarder.Forward(recorder, httptest.NewRequest("GET", "/proxy/mock/big", nil), "mock", "big")
	if recorder.Body.Len() != len(payload) {
		t.Errorf("body length = %d, want %d", recorder.Body.Len(), len(payload))
	}
}
