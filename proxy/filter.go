// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// EndpointFilter validates a request against a per-service endpoint
// policy before it is forwarded upstream. This is defense in depth
// beyond OAuth scopes: a scope may technically permit an operation the
// proxy still refuses to perform.
type EndpointFilter interface {
	// Check returns nil when the request is allowed, or an error whose
	// message is safe to return to the client.
	Check(method, path string) error
}

// FilterFor returns the endpoint filter for a service, or nil when the
// service has no policy and requests pass through unconditionally.
// Gmail accounts may be configured under variant names (gmail_work,
// gmail_personal); all of them get the Gmail policy.
func FilterFor(service string) EndpointFilter {
	if service == "gmail" || strings.HasPrefix(service, "gmail_") {
		return &GmailFilter{}
	}
	return nil
}

// gmailPathPrefix matches the fixed Gmail API prefix up to and
// including the user ID segment.
var gmailPathPrefix = regexp.MustCompile(`^gmail/v1/users/[^/]+/`)

// gmailKnownResources are the resource types reachable via GET.
var gmailKnownResources = map[string]bool{
	"messages": true,
	"threads":  true,
	"drafts":   true,
	"labels":   true,
	"profile":  true,
	"history":  true,
	"settings": true,
}

// GmailFilter blocks send, permanent delete, insert, import, and
// settings endpoints while allowing read, drafts CRUD, labels CRUD,
// modify, and trash operations. Deny rules run first; everything not
// explicitly allowed is denied.
type GmailFilter struct{}

// parseSegments strips the Gmail API prefix and splits the remainder.
// Returns nil when the path is not shaped like a Gmail API call.
func (f *GmailFilter) parseSegments(path string) []string {
	loc := gmailPathPrefix.FindStringIndex(path)
	if loc == nil {
		return nil
	}
	rest := path[loc[1]:]
	if rest == "" {
		return nil
	}
	segments := strings.Split(rest, "/")
	return slices.DeleteFunc(segments, func(s string) bool { return s == "" })
}

// Check validates one Gmail API request.
func (f *GmailFilter) Check(method, path string) error {
	method = strings.ToUpper(method)
	segments := f.parseSegments(path)
	if len(segments) == 0 {
		return fmt.Errorf("invalid Gmail API path format (expected gmail/v1/users/{userId}/...)")
	}

	resource := segments[0]
	last := segments[len(segments)-1]

	// Deny rules run first.
	switch {
	case last == "send":
		return fmt.Errorf("sending email is blocked by proxy policy (use drafts instead)")
	case resource == "settings":
		return fmt.Errorf("Gmail settings endpoints are blocked by proxy policy (forwarding, delegates, filters)")
	case method == "DELETE" && (resource == "messages" || resource == "threads"):
		return fmt.Errorf("permanent deletion of messages/threads is blocked (use trash instead)")
	case last == "batchDelete":
		return fmt.Errorf("batch deletion is blocked by proxy policy (use trash instead)")
	case method == "POST" && resource == "messages" && len(segments) == 1:
		return fmt.Errorf("message insert is blocked by proxy policy")
	case resource == "messages" && len(segments) >= 2 && segments[1] == "import":
		return fmt.Errorf("message import is blocked by proxy policy")
	}

	// Allow rules.
	switch {
	case method == "GET" && gmailKnownResources[resource]:
		return nil
	case resource == "drafts" && (method == "GET" || method == "POST" || method == "PUT" || method == "DELETE"):
		return nil
	case resource == "labels" && (method == "GET" || method == "POST" || method == "PUT" || method == "PATCH" || method == "DELETE"):
		return nil
	case method == "POST" && last == "modify":
		return nil
	case method == "POST" && resource == "messages" && last == "batchModify":
		return nil
	case method == "POST" && (last == "trash" || last == "untrash"):
		return nil
	}

	return fmt.Errorf("endpoint not in allowlist: %s %s", method, path)
}

// Verify filters implement EndpointFilter.
var _ EndpointFilter = (*GmailFilter)(nil)
