// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateSessionRejectsOutOfRangeTTL(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()
	client := New(Config{BaseURL: server.URL, AdminKey: "key"})

	for _, ttl := range []int{0, -5, 481, 10000} {
		_, err := client.CreateSession(context.Background(), []string{"git"}, ttl)
		if err == nil {
			t.Errorf("ttl %d: expected error", ttl)
			continue
		}
		if !strings.Contains(err.Error(), "out of range") {
			t.Errorf("ttl %d: error = %v", ttl, err)
		}
	}
	if calls != 0 {
		t.Errorf("server saw %d requests, want 0 (rejection is client-side)", calls)
	}

	_, err := client.CreateSession(context.Background(), nil, 30)
	if err == nil || !strings.Contains(err.Error(), "services list is required") {
		t.Errorf("empty services: error = %v", err)
	}
}

func TestCreateSessionSendsAdminKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Key"); got != "admin-secret" {
			t.Errorf("X-Auth-Key = %q", got)
		}
		var body struct {
			Services   []string `json:"services"`
			TTLMinutes int      `json:"ttl_minutes"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.TTLMinutes != 45 || len(body.Services) != 2 {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":         "abc123",
			"proxy_url":          "https://proxy.example.com",
			"expires_in_minutes": 45,
			"services":           body.Services,
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "admin-secret"})
	created, err := client.CreateSession(context.Background(), []string{"bsky", "git"}, 45)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.SessionID != "abc123" || created.ExpiresInMinutes != 45 {
		t.Errorf("response = %+v", created)
	}
}

func TestCreateSessionSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "unauthorized"}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "wrong"})
	_, err := client.CreateSession(context.Background(), []string{"git"}, 30)
	if err == nil || !strings.Contains(err.Error(), "HTTP 401: unauthorized") {
		t.Errorf("error = %v", err)
	}
}

func TestProxyUsesSessionHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/bsky/xrpc/app.bsky.feed.getTimeline" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Session-Id"); got != "sess-1" {
			t.Errorf("X-Session-Id = %q", got)
		}
		if got := r.Header.Get("X-Auth-Key"); got != "" {
			t.Errorf("X-Auth-Key leaked to proxy endpoint: %q", got)
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "admin"}).WithSession("sess-1")
	response, err := client.Proxy(context.Background(), http.MethodGet, "bsky",
		"/xrpc/app.bsky.feed.getTimeline", nil, "")
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchBundleWritesFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/git/fetch-bundle" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Session auth takes precedence for git endpoints.
		if got := r.Header.Get("X-Session-Id"); got != "sess-git" {
			t.Errorf("X-Session-Id = %q", got)
		}
		var body struct {
			RepoURL string `json:"repo_url"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.RepoURL != "https://github.com/example/project" {
			t.Errorf("repo_url = %q", body.RepoURL)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("# v2 git bundle\nbundle-bytes"))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "admin", SessionID: "sess-git"})
	destPath := filepath.Join(t.TempDir(), "repo.bundle")
	if err := client.FetchBundle(context.Background(), "https://github.com/example/project", destPath); err != nil {
		t.Fatalf("FetchBundle: %v", err)
	}
	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("reading bundle: %v", err)
	}
	if !strings.HasPrefix(string(data), "# v2 git bundle") {
		t.Errorf("bundle content = %q", data)
	}
}

func TestFetchBundleLegacyKeyFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Auth-Key"); got != "admin" {
			t.Errorf("X-Auth-Key = %q", got)
		}
		if got := r.Header.Get("X-Session-Id"); got != "" {
			t.Errorf("unexpected X-Session-Id %q", got)
		}
		w.Write([]byte("bundle"))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "admin"})
	destPath := filepath.Join(t.TempDir(), "repo.bundle")
	if err := client.FetchBundle(context.Background(), "https://github.com/example/project", destPath); err != nil {
		t.Fatalf("FetchBundle: %v", err)
	}
}

func TestPushBundleMultipartFields(t *testing.T) {
	bundlePath := filepath.Join(t.TempDir(), "upload.bundle")
	if err := os.WriteFile(bundlePath, []byte("bundle-payload"), 0o644); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		want := map[string]string{
			"repo_url":  "https://github.com/example/project",
			"branch":    "feature/x",
			"create_pr": "true",
			"pr_title":  "Add x",
			"pr_body":   "Details",
		}
		for field, value := range want {
			if got := r.FormValue(field); got != value {
				t.Errorf("%s = %q, want %q", field, got, value)
			}
		}
		upload, _, err := r.FormFile("bundle")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer upload.Close()
		payload, _ := io.ReadAll(upload)
		if string(payload) != "bundle-payload" {
			t.Errorf("bundle payload = %q", payload)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "success",
			"branch":     "feature/x",
			"message":    "Pushed branch 'feature/x'",
			"pr_created": true,
			"pr_url":     "https://github.com/example/project/pull/7",
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, SessionID: "sess-git"})
	result, err := client.PushBundle(context.Background(), PushBundleOptions{
		RepoURL:    "https://github.com/example/project",
		Branch:     "feature/x",
		BundlePath: bundlePath,
		CreatePR:   true,
		PRTitle:    "Add x",
		PRBody:     "Details",
	})
	if err != nil {
		t.Fatalf("PushBundle: %v", err)
	}
	if !result.PRCreated || result.PRURL != "https://github.com/example/project/pull/7" {
		t.Errorf("result = %+v", result)
	}
}

func TestCreateIssueReturnsURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/issues" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Key"); got != "admin" {
			t.Errorf("X-Auth-Key = %q", got)
		}
		var body struct {
			Title  string   `json:"title"`
			Labels []string `json:"labels"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Title != "broken build" || len(body.Labels) != 1 {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "created",
			"issue_url": "https://github.com/example/project/issues/12",
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AdminKey: "admin"})
	issueURL, err := client.CreateIssue(context.Background(), "broken build", "details", []string{"bug"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issueURL != "https://github.com/example/project/issues/12" {
		t.Errorf("issue URL = %q", issueURL)
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy", "mode": "credential-proxy", "timestamp": "2026-03-01T12:00:00Z",
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "healthy" || health.Mode != "credential-proxy" {
		t.Errorf("health = %+v", health)
	}
}
