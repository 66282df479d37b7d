// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Jython1415/claude-ai-skills/lib/audit"
	"github.com/Jython1415/claude-ai-skills/lib/clock"
	"github.com/Jython1415/claude-ai-skills/lib/credential"
	"github.com/Jython1415/claude-ai-skills/lib/gitbundle"
	"github.com/Jython1415/claude-ai-skills/lib/gitsafety"
	"github.com/Jython1415/claude-ai-skills/lib/session"
)

// maxBundleUpload caps push-bundle multipart bodies.
const maxBundleUpload = 100 << 20 // 100 MiB

// HandlerConfig holds configuration for creating a Handler.
type HandlerConfig struct {
	// AdminKey is the shared secret for admin endpoints (X-Auth-Key).
	AdminKey string

	// PublicURL is advertised in session-creation responses.
	PublicURL string

	// IssueRepo is the "owner/repo" target for POST /issues. Empty
	// disables the endpoint.
	IssueRepo string

	Sessions    *session.Store
	Credentials *credential.Store
	Forwarder   *Forwarder
	Audit       *audit.Log
	Git         *gitbundle.Runner

	// RateLimit throttles the session, git, and issue endpoints.
	RateLimit RateLimitConfig

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler implements the proxy's HTTP endpoints: session management,
// transparent forwarding, git bundle operations, and issue creation.
type Handler struct {
	adminKey    string
	publicURL   string
	issueRepo   string
	sessions    *session.Store
	credentials *credential.Store
	forwarder   *Forwarder
	audit       *audit.Log
	git         *gitbundle.Runner
	limiter     *rateLimiter
	clock       clock.Clock
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(config HandlerConfig) *Handler {
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		adminKey:    config.AdminKey,
		publicURL:   config.PublicURL,
		issueRepo:   config.IssueRepo,
		sessions:    config.Sessions,
		credentials: config.Credentials,
		forwarder:   config.Forwarder,
		audit:       config.Audit,
		git:         config.Git,
		limiter:     newRateLimiter(config.RateLimit),
		clock:       c,
		logger:      logger,
	}
}

// verifyAdminKey checks the X-Auth-Key header in constant time.
func (h *Handler) verifyAdminKey(r *http.Request) bool {
	key := r.Header.Get("X-Auth-Key")
	if key == "" || h.adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) == 1
}

// verifySessionOrKey authorizes git endpoints, which accept either a
// session scoped to the service or the legacy admin key. Returns the
// auth type for audit logging, or "" when unauthorized. The legacy
// path is deliberate backward compatibility; both paths are equally
// privileged.
func (h *Handler) verifySessionOrKey(r *http.Request, service string) string {
	if id := r.Header.Get("X-Session-Id"); id != "" && h.sessions.HasService(id, service) {
		return "session"
	}
	if h.verifyAdminKey(r) {
		h.logger.Warn("legacy X-Auth-Key used for git endpoint, migrate to session-based auth")
		return "legacy_key"
	}
	return ""
}

// allowRate applies the rate limiter, writing a 429 when exceeded.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter.Allow(r.RemoteAddr) {
		return true
	}
	h.logger.Warn("rate limit exceeded", "remote", r.RemoteAddr)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// HandleHealth reports liveness. No auth and no sensitive data.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"mode":      "credential-proxy",
		"timestamp": h.clock.Now().Format(time.RFC3339),
	})
}

// createSessionRequest is the POST /sessions body. TTLMinutes is a
// pointer so an absent field gets the default rather than zero.
type createSessionRequest struct {
	Services   []string `json:"services"`
	TTLMinutes *int     `json:"ttl_minutes"`
}

// HandleCreateSession creates a session granting access to the listed
// services. Admin-only: the MCP layer creates sessions on behalf of
// users; session holders cannot mint further sessions.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !h.verifyAdminKey(r) {
		h.logger.Warn("unauthorized session creation attempt", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowRate(w, r) {
		return
	}

	var request createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(request.Services) == 0 {
		writeError(w, http.StatusBadRequest, "services list is required")
		return
	}

	ttlMinutes := 30
	if request.TTLMinutes != nil {
		ttlMinutes = *request.TTLMinutes
	}

	// git is a pseudo-service: always grantable, never proxied.
	available := append(h.credentials.ListServices(), "git")
	var unknown []string
	for _, service := range request.Services {
		if !slices.Contains(available, service) {
			unknown = append(unknown, service)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(available)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     fmt.Sprintf("unknown services: %v", unknown),
			"available": available,
		})
		return
	}

	created := h.sessions.Create(request.Services, ttlMinutes)
	granted := int(created.ExpiresAt.Sub(created.CreatedAt).Minutes())
	h.audit.SessionCreated(created.ID, created.Services, granted)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         created.ID,
		"proxy_url":          h.publicURL,
		"expires_in_minutes": granted,
		"services":           created.Services,
	})
}

// HandleRevokeSession revokes a session by ID. Admin-only.
func (h *Handler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if !h.verifyAdminKey(r) {
		h.logger.Warn("unauthorized session revocation attempt", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := r.PathValue("id")
	if !h.sessions.Revoke(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.audit.SessionRevoked(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleListServices lists the grantable services. Admin-only.
func (h *Handler) HandleListServices(w http.ResponseWriter, r *http.Request) {
	if !h.verifyAdminKey(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	services := h.credentials.ListServices()
	if !slices.Contains(services, "git") {
		services = append(services, "git")
	}
	slices.Sort(services)
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// HandleProxy forwards a request to the upstream service named in the
// path, after session authorization and endpoint policy filtering.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	path := r.PathValue("path")

	if service == "git" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "git is not a proxy service",
			"hint":  "Use /git/fetch-bundle or /git/push-bundle for git operations",
		})
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Session-Id header")
		return
	}
	active := h.sessions.Get(sessionID)
	if active == nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	if !active.HasService(service) {
		writeError(w, http.StatusForbidden, "session does not have access to "+service)
		return
	}

	// Upstream URL for the audit record, before credential injection
	// can append query secrets.
	upstreamURL := "unknown/" + path
	if cred := h.credentials.Get(service); cred != nil {
		upstreamURL = strings.TrimRight(cred.BaseURL(), "/") + "/" + path
	}
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	if filter := FilterFor(service); filter != nil {
		if err := filter.Check(r.Method, path); err != nil {
			h.logger.Warn("request blocked by endpoint policy",
				"service", service, "method", r.Method, "path", path, "reason", err)
			h.audit.ProxyRequest(sessionID, service, r.Method, path, upstreamURL,
				http.StatusForbidden, err.Error())
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	status := h.forwarder.Forward(w, r, service, path)
	h.audit.ProxyRequest(sessionID, service, r.Method, path, upstreamURL, status, "")
}

// writeOpError maps a git operation error to the client. Timeouts get
// the fixed timeout body; everything else gets the triad.
func writeOpError(w http.ResponseWriter, op *gitbundle.OpError) {
	if op.Status == http.StatusRequestTimeout {
		writeError(w, http.StatusRequestTimeout, "operation timeout")
		return
	}
	writeJSON(w, op.Status, op)
}

// opStatus extracts the HTTP status from a git operation error.
func opStatus(err error) int {
	var op *gitbundle.OpError
	if errors.As(err, &op) {
		return op.Status
	}
	return http.StatusInternalServerError
}

// HandleFetchBundle clones a repository and streams it back as a git
// bundle. Accepts session(git) or legacy key auth.
func (h *Handler) HandleFetchBundle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-Id")
	authType := h.verifySessionOrKey(r, "git")
	if authType == "" {
		h.logger.Warn("unauthorized fetch-bundle attempt", "remote", r.RemoteAddr)
		h.audit.GitFetch(sessionID, "unknown", http.StatusUnauthorized, "")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowRate(w, r) {
		return
	}

	var request struct {
		RepoURL string `json:"repo_url"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "missing repo_url")
		return
	}

	if err := gitsafety.ValidateRepoURL(request.RepoURL); err != nil {
		h.logger.Warn("fetch rejected, invalid repo URL", "error", err)
		writeJSON(w, http.StatusBadRequest, &gitbundle.OpError{
			What:   "Invalid repository URL",
			Why:    err.Error(),
			Action: "Use a valid GitHub URL (https://github.com/owner/repo)",
			Code:   "GIT_SAFETY_INVALID_URL",
		})
		return
	}

	bundlePath, cleanup, err := h.git.FetchBundle(r.Context(), request.RepoURL)
	if err != nil {
		h.audit.GitFetch(sessionID, request.RepoURL, opStatus(err), authType)
		var op *gitbundle.OpError
		if errors.As(err, &op) {
			writeOpError(w, op)
			return
		}
		writeError(w, http.StatusInternalServerError, "bundle operation failed")
		return
	}
	defer cleanup()

	file, err := os.Open(bundlePath)
	if err != nil {
		h.logger.Error("opening bundle for response", "error", err)
		h.audit.GitFetch(sessionID, request.RepoURL, http.StatusInternalServerError, authType)
		writeError(w, http.StatusInternalServerError, "bundle operation failed")
		return
	}
	defer file.Close()

	h.audit.GitFetch(sessionID, request.RepoURL, http.StatusOK, authType)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(bundlePath)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, file)
}

// HandlePushBundle applies an uploaded bundle to a branch of the
// remote repository. Accepts session(git) or legacy key auth.
func (h *Handler) HandlePushBundle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-Id")
	authType := h.verifySessionOrKey(r, "git")
	if authType == "" {
		h.logger.Warn("unauthorized push-bundle attempt", "remote", r.RemoteAddr)
		h.audit.GitPush(sessionID, "unknown", "unknown", http.StatusUnauthorized, "", "")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowRate(w, r) {
		return
	}

	if err := r.ParseMultipartForm(maxBundleUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	repoURL := r.FormValue("repo_url")
	branch := r.FormValue("branch")
	createPR := r.FormValue("create_pr") == "true" || r.FormValue("create_pr") == "1"

	if repoURL == "" {
		writeError(w, http.StatusBadRequest, "missing repo_url")
		return
	}
	if branch == "" {
		writeError(w, http.StatusBadRequest, "missing branch")
		return
	}

	// All validation runs before any subprocess or file work.
	if err := gitsafety.ValidateRepoURL(repoURL); err != nil {
		writeJSON(w, http.StatusBadRequest, &gitbundle.OpError{
			What:   "Invalid repository URL",
			Why:    err.Error(),
			Action: "Use a valid GitHub URL (https://github.com/owner/repo)",
			Code:   "GIT_SAFETY_INVALID_URL",
		})
		return
	}
	if err := gitsafety.ValidateBranchName(branch); err != nil {
		writeJSON(w, http.StatusBadRequest, &gitbundle.OpError{
			What:   "Invalid branch name",
			Why:    err.Error(),
			Action: "Use a branch name with only letters, numbers, hyphens, underscores, and forward slashes",
			Code:   "GIT_SAFETY_INVALID_BRANCH",
		})
		return
	}
	if err := gitsafety.CheckProtectedBranch(branch); err != nil {
		writeJSON(w, http.StatusForbidden, &gitbundle.OpError{
			What:   fmt.Sprintf("Direct push to '%s' is not allowed", branch),
			Why:    err.Error(),
			Action: "Push to a feature branch and create a pull request instead",
			Code:   "GIT_SAFETY_PROTECTED_BRANCH",
		})
		return
	}

	upload, _, err := r.FormFile("bundle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing bundle file")
		return
	}
	defer upload.Close()

	temp, err := os.CreateTemp("", "credproxy-upload-*.bundle")
	if err != nil {
		h.logger.Error("creating temp bundle file", "error", err)
		writeError(w, http.StatusInternalServerError, "push operation failed")
		return
	}
	defer os.Remove(temp.Name())
	if _, err := io.Copy(temp, upload); err != nil {
		temp.Close()
		h.logger.Error("saving uploaded bundle", "error", err)
		writeError(w, http.StatusInternalServerError, "push operation failed")
		return
	}
	temp.Close()

	result, err := h.git.PushBundle(r.Context(), gitbundle.PushOptions{
		RepoURL:    repoURL,
		Branch:     branch,
		BundlePath: temp.Name(),
		CreatePR:   createPR,
		PRTitle:    r.FormValue("pr_title"),
		PRBody:     r.FormValue("pr_body"),
	})
	if err != nil {
		h.audit.GitPush(sessionID, repoURL, branch, opStatus(err), "", authType)
		var op *gitbundle.OpError
		if errors.As(err, &op) {
			writeOpError(w, op)
			return
		}
		writeError(w, http.StatusInternalServerError, "push operation failed")
		return
	}

	h.audit.GitPush(sessionID, repoURL, branch, http.StatusOK, result.PRURL, authType)

	response := map[string]any{
		"status":  "success",
		"branch":  result.Branch,
		"message": result.Message,
	}
	if createPR {
		response["pr_created"] = result.PRCreated
		if result.PRURL != "" {
			response["pr_url"] = result.PRURL
		}
		if result.ManualPRURL != "" {
			response["manual_pr_url"] = result.ManualPRURL
		}
		if result.PRMessage != "" {
			response["pr_message"] = result.PRMessage
		}
		if result.PRError != "" {
			response["pr_error"] = result.PRError
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleCreateIssue files a GitHub issue against the configured
// repository. Admin-only.
func (h *Handler) HandleCreateIssue(w http.ResponseWriter, r *http.Request) {
	if !h.verifyAdminKey(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowRate(w, r) {
		return
	}
	if h.issueRepo == "" {
		writeError(w, http.StatusServiceUnavailable, "issue creation not configured")
		return
	}

	var request struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if request.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	issueURL, err := h.git.CreateIssue(r.Context(), h.issueRepo, request.Title, request.Body, request.Labels)
	if err != nil {
		var op *gitbundle.OpError
		if errors.As(err, &op) {
			writeOpError(w, op)
			return
		}
		writeError(w, http.StatusInternalServerError, "issue creation failed")
		return
	}

	h.audit.IssueCreated(issueURL, request.Title, request.Labels)
	writeJSON(w, http.StatusOK, map[string]string{"status": "created", "issue_url": issueURL})
}
