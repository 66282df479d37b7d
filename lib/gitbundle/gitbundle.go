// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitbundle runs git subprocess operations for the proxy's
// bundle-based workflow: bare-cloning a repository into a temporary
// directory, exporting it as a bundle file, and applying an uploaded
// bundle back to a remote branch with optional pull-request creation
// via the gh CLI. All commands run with a hardened environment so a
// malicious repository cannot execute hooks or read operator git
// configuration, and every command carries an explicit timeout.
package gitbundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Jython1415/claude-ai-skills/lib/gitsafety"
)

const (
	cloneTimeout = 300 * time.Second
	stepTimeout  = 60 * time.Second
)

// OpError is a client-safe description of a failed git operation:
// what failed, why, and what the caller can do about it. Raw stderr
// never appears in an OpError; it is logged server-side only.
type OpError struct {
	What   string `json:"what"`
	Why    string `json:"why"`
	Action string `json:"action"`
	Code   string `json:"code,omitempty"`

	// Status is the HTTP status the handler should respond with.
	Status int `json:"-"`
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.What, e.Why, e.Action)
}

// timeoutError is the OpError produced whenever a git or gh subprocess
// exceeds its deadline.
func timeoutError() *OpError {
	return &OpError{
		What:   "Operation timed out",
		Why:    "A git operation exceeded its time limit",
		Action: "Retry; if the repository is very large, contact the administrator",
		Code:   "GIT_TIMEOUT",
		Status: 408,
	}
}

// Runner executes git bundle operations. The zero value is usable;
// PR creation requires GHPath.
type Runner struct {
	// Logger for subprocess outcomes. Defaults to slog.Default().
	Logger *slog.Logger

	// GHPath is the gh CLI binary. Empty means gh is unavailable and
	// PR creation falls back to a manual URL.
	GHPath string

	// ExtraEnv is appended to the hardened subprocess environment.
	// Tests use GIT_CONFIG_COUNT entries here to redirect clone URLs
	// at local repositories.
	ExtraEnv []string
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// hardenedEnv is the environment for every git subprocess: no system
// or global config, no credential prompts. PATH is carried through so
// git can find its helpers.
func (r *Runner) hardenedEnv() []string {
	env := []string{
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_TERMINAL_PROMPT=0",
		"PATH=" + os.Getenv("PATH"),
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return append(env, r.ExtraEnv...)
}

// run executes one subprocess step under its own deadline and returns
// stdout. Stderr goes to the log, never to the caller.
func (r *Runner) run(ctx context.Context, dir string, timeout time.Duration, env []string, name string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Dir = dir
	command.Env = env
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	if ctx.Err() == context.DeadlineExceeded {
		r.logger().Error("subprocess timed out", "command", name, "args", args)
		return "", "", timeoutError()
	}
	if err != nil {
		r.logger().Error("subprocess failed",
			"command", name, "args", args, "error", err,
			"stderr", strings.TrimSpace(stderr.String()))
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// clone bare-clones repoURL into repoPath.
func (r *Runner) clone(ctx context.Context, repoURL, repoPath string) error {
	_, stderr, err := r.run(ctx, "", cloneTimeout, r.hardenedEnv(),
		"git", "clone", "--bare",
		"--config", "core.hooksPath=/dev/null",
		"--config", "core.fsmonitor=",
		repoURL, repoPath)
	if err == nil {
		return nil
	}
	var op *OpError
	if errors.As(err, &op) {
		return op
	}
	return classifyCloneError(stderr)
}

// classifyCloneError maps raw clone stderr to a client-safe triad.
func classifyCloneError(stderr string) *OpError {
	lower := strings.ToLower(stderr)
	op := &OpError{What: "Clone failed", Status: 500}
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication failed"):
		op.Why = "SSH key authentication failed"
		op.Action = "Run 'ssh -T git@github.com' to test SSH access"
	case strings.Contains(lower, "not found"):
		op.Why = "Repository URL is incorrect or doesn't exist"
		op.Action = "Verify repository URL and credentials are correct"
	default:
		op.Why = "Git clone operation failed"
		op.Action = "Check repository URL and GitHub credentials"
	}
	return op
}

// repoName extracts the repository name from a GitHub URL for use in
// temp paths and download filenames.
func repoName(repoURL string) string {
	name := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "repo"
	}
	return name
}

// FetchBundle bare-clones repoURL and exports it as a bundle file
// containing all refs. On success it returns the bundle path and a
// cleanup function that removes the temporary directory holding both
// the clone and the bundle; the caller must invoke cleanup after
// streaming the file. On error all temporary state is already removed.
func (r *Runner) FetchBundle(ctx context.Context, repoURL string) (string, func(), error) {
	tempDir, err := os.MkdirTemp("", "credproxy-fetch-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	name := repoName(repoURL)
	repoPath := filepath.Join(tempDir, name)

	r.logger().Info("cloning repository for bundle", "repo_url", repoURL)
	if err := r.clone(ctx, repoURL, repoPath); err != nil {
		cleanup()
		return "", nil, err
	}

	bundlePath := filepath.Join(tempDir, name+".bundle")
	r.logger().Info("creating bundle", "repo_url", repoURL)
	_, _, err = r.run(ctx, repoPath, stepTimeout, r.hardenedEnv(),
		"git", "bundle", "create", bundlePath, "--all")
	if err != nil {
		cleanup()
		var op *OpError
		if errors.As(err, &op) {
			return "", nil, op
		}
		return "", nil, &OpError{
			What:   "Bundle creation failed",
			Why:    "Git bundle operation encountered an error",
			Action: "Verify the repository has commits and is accessible",
			Status: 500,
		}
	}

	return bundlePath, cleanup, nil
}

// PushOptions describes one push-bundle operation. RepoURL and Branch
// must already be validated by the caller; PushBundle revalidates the
// push command it constructs as defense in depth.
type PushOptions struct {
	RepoURL    string
	Branch     string
	BundlePath string
	CreatePR   bool
	PRTitle    string
	PRBody     string
}

// PushResult reports a completed push and the outcome of optional PR
// creation. PR failure is not a push failure: the branch is on the
// remote either way, so PR problems surface as fallback fields rather
// than an error.
type PushResult struct {
	Branch      string `json:"branch"`
	Message     string `json:"message"`
	PRCreated   bool   `json:"pr_created,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	ManualPRURL string `json:"manual_pr_url,omitempty"`
	PRMessage   string `json:"pr_message,omitempty"`
	PRError     string `json:"pr_error,omitempty"`
}

// PushBundle applies a bundle file to a branch of the remote
// repository: bare-clone, fetch the bundle into the branch, push the
// branch to origin, optionally create a PR. Temporary state is removed
// on every exit path.
func (r *Runner) PushBundle(ctx context.Context, options PushOptions) (*PushResult, error) {
	tempDir, err := os.MkdirTemp("", "credproxy-push-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	repoPath := filepath.Join(tempDir, repoName(options.RepoURL))

	r.logger().Info("cloning repository for push", "repo_url", options.RepoURL, "branch", options.Branch)
	if err := r.clone(ctx, options.RepoURL, repoPath); err != nil {
		return nil, err
	}

	r.logger().Info("fetching bundle into branch", "branch", options.Branch)
	_, _, err = r.run(ctx, repoPath, stepTimeout, r.hardenedEnv(),
		"git", "fetch", options.BundlePath, options.Branch+":"+options.Branch)
	if err != nil {
		var op *OpError
		if errors.As(err, &op) {
			return nil, op
		}
		return nil, &OpError{
			What:   "Bundle fetch failed",
			Why:    "Failed to apply bundle to repository",
			Action: fmt.Sprintf("Verify the bundle file is valid and branch '%s' is correct", options.Branch),
			Status: 500,
		}
	}

	// The push command is server-constructed, but check it anyway so a
	// future refactor cannot silently reintroduce a dangerous flag.
	pushArgs := []string{"push", "origin", options.Branch}
	if err := gitsafety.ValidatePushArgs(pushArgs); err != nil {
		r.logger().Error("push command failed safety check", "error", err)
		return nil, &OpError{
			What:   "Push blocked by safety check",
			Why:    err.Error(),
			Action: "This is a server-side safety error. Contact the administrator.",
			Code:   "GIT_SAFETY_DANGEROUS_COMMAND",
			Status: 403,
		}
	}

	r.logger().Info("pushing branch to origin", "branch", options.Branch)
	_, stderr, err := r.run(ctx, repoPath, stepTimeout, r.hardenedEnv(),
		"git", pushArgs...)
	if err != nil {
		var op *OpError
		if errors.As(err, &op) {
			return nil, op
		}
		return nil, classifyPushError(stderr, options.Branch)
	}

	result := &PushResult{
		Branch:  options.Branch,
		Message: fmt.Sprintf("Branch %s pushed successfully", options.Branch),
	}
	if options.CreatePR {
		r.createPR(ctx, repoPath, options, result)
	}
	return result, nil
}

// classifyPushError maps raw push stderr to a client-safe triad.
func classifyPushError(stderr, branch string) *OpError {
	lower := strings.ToLower(stderr)
	op := &OpError{What: "Push failed", Status: 500}
	switch {
	case strings.Contains(lower, "rejected") || strings.Contains(lower, "protected branch"):
		op.Why = "Branch is protected or push was rejected"
		op.Action = fmt.Sprintf("Check branch protection rules for '%s' on GitHub", branch)
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication failed"):
		op.Why = "SSH key authentication failed"
		op.Action = "Verify GitHub SSH access and push permissions"
	default:
		op.Why = "Git push operation failed"
		op.Action = "Check repository push permissions and network connectivity"
	}
	return op
}

// createPR attempts PR creation with the gh CLI and records the
// outcome on result. gh missing or failing degrades to a manual PR
// URL instead of failing the push.
func (r *Runner) createPR(ctx context.Context, repoPath string, options PushOptions, result *PushResult) {
	if r.GHPath == "" {
		r.logger().Warn("PR creation requested but gh CLI not available")
		result.PRCreated = false
		if manual := manualPRURL(options.RepoURL, options.Branch); manual != "" {
			result.ManualPRURL = manual
			result.PRMessage = "GitHub CLI not available on server. Create PR manually at: " + manual
		} else {
			result.PRMessage = "GitHub CLI not available. Create PR manually on GitHub."
		}
		return
	}

	title := options.PRTitle
	if title == "" {
		title = "Changes from " + options.Branch
	}
	body := options.PRBody
	if body == "" {
		body = "Automated PR"
	}

	// gh needs HOME for its config and a token for auth; pass both on
	// top of the hardened git environment.
	env := r.hardenedEnv()
	for _, key := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}

	r.logger().Info("creating pull request", "branch", options.Branch)
	stdout, _, err := r.run(ctx, repoPath, stepTimeout, env,
		r.GHPath, "pr", "create", "--title", title, "--body", body, "--head", options.Branch)
	if err != nil {
		result.PRCreated = false
		result.PRError = "PR creation failed"
		if manual := manualPRURL(options.RepoURL, options.Branch); manual != "" {
			result.ManualPRURL = manual
			result.PRMessage = "PR creation failed. Create manually at: " + manual
		}
		return
	}

	result.PRCreated = true
	result.PRURL = strings.TrimSpace(stdout)
	r.logger().Info("pull request created", "pr_url", result.PRURL)
}

// manualPRURL builds the GitHub compare-and-PR URL for a branch, or ""
// when owner/repo cannot be extracted.
func manualPRURL(repoURL, branch string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	trimmed = strings.TrimPrefix(trimmed, "git@github.com:")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return ""
	}
	owner, repo := parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/pull/new/%s", owner, repo, branch)
}

// CreateIssue files a GitHub issue against repo ("owner/repo") with
// the gh CLI and returns the issue URL. Unlike PR creation there is no
// fallback: without gh the operation fails with a client-safe error.
func (r *Runner) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (string, error) {
	if r.GHPath == "" {
		return "", &OpError{
			What:   "Issue creation failed",
			Why:    "GitHub CLI is not available on the server",
			Action: "Install the gh CLI and restart the proxy",
			Status: 502,
		}
	}

	args := []string{"issue", "create", "--repo", repo, "--title", title, "--body", body}
	for _, label := range labels {
		args = append(args, "--label", label)
	}

	env := r.hardenedEnv()
	for _, key := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}

	r.logger().Info("creating issue", "repo", repo, "title", title)
	stdout, _, err := r.run(ctx, "", stepTimeout, env, r.GHPath, args...)
	if err != nil {
		var op *OpError
		if errors.As(err, &op) {
			return "", op
		}
		return "", &OpError{
			What:   "Issue creation failed",
			Why:    "The gh CLI returned an error",
			Action: "Check the server's GitHub authentication and the issue repository name",
			Status: 502,
		}
	}
	return strings.TrimSpace(stdout), nil
}

// FindGH locates the gh CLI, checking PATH first and then the usual
// Homebrew install locations. Returns "" when gh is not installed.
func FindGH() string {
	if path, err := exec.LookPath("gh"); err == nil {
		return path
	}
	for _, candidate := range []string{"/opt/homebrew/bin/gh", "/usr/local/bin/gh"} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
