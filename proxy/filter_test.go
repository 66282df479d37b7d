// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"strings"
	"testing"
)

func TestFilterFor(t *testing.T) {
	if FilterFor("gmail") == nil {
		t.Error("gmail has no filter")
	}
	if FilterFor("gmail_work") == nil {
		t.Error("gmail_work has no filter")
	}
	if FilterFor("bsky") != nil {
		t.Error("bsky unexpectedly has a filter")
	}
	if FilterFor("github_api") != nil {
		t.Error("github_api unexpectedly has a filter")
	}
}

func TestGmailFilterAllowed(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{"GET", "gmail/v1/users/me/messages"},
		{"GET", "gmail/v1/users/me/messages/abc123"},
		{"GET", "gmail/v1/users/me/threads/xyz"},
		{"GET", "gmail/v1/users/me/profile"},
		{"GET", "gmail/v1/users/me/history"},
		{"GET", "gmail/v1/users/me/drafts"},
		{"POST", "gmail/v1/users/me/drafts"},
		{"PUT", "gmail/v1/users/me/drafts/d1"},
		{"DELETE", "gmail/v1/users/me/drafts/d1"},
		{"GET", "gmail/v1/users/me/labels"},
		{"POST", "gmail/v1/users/me/labels"},
		{"PATCH", "gmail/v1/users/me/labels/l1"},
		{"DELETE", "gmail/v1/users/me/labels/l1"},
		{"POST", "gmail/v1/users/me/messages/abc123/modify"},
		{"POST", "gmail/v1/users/me/messages/batchModify"},
		{"POST", "gmail/v1/users/me/messages/abc123/trash"},
		{"POST", "gmail/v1/users/me/messages/abc123/untrash"},
		{"POST", "gmail/v1/users/me/threads/xyz/trash"},
		{"POST", "gmail/v1/users/me/threads/xyz/modify"},
	}
	filter := &GmailFilter{}
	for _, test := range tests {
		if err := filter.Check(test.method, test.path); err != nil {
			t.Errorf("Check(%s, %s) = %v, want allowed", test.method, test.path, err)
		}
	}
}

func TestGmailFilterBlocked(t *testing.T) {
	tests := []struct {
		method string
		path   string
		reason string
	}{
		{"POST", "gmail/v1/users/me/messages/send", "sending email is blocked"},
		{"POST", "gmail/v1/users/me/drafts/send", "sending email is blocked"},
		{"GET", "gmail/v1/users/me/settings/forwarding", "settings endpoints are blocked"},
		{"POST", "gmail/v1/users/me/settings/filters", "settings endpoints are blocked"},
		{"DELETE", "gmail/v1/users/me/messages/abc123", "permanent deletion"},
		{"DELETE", "gmail/v1/users/me/threads/xyz", "permanent deletion"},
		{"POST", "gmail/v1/users/me/messages/batchDelete", "batch deletion is blocked"},
		{"POST", "gmail/v1/users/me/messages", "message insert is blocked"},
		{"POST", "gmail/v1/users/me/messages/import", "message import is blocked"},
		{"PUT", "gmail/v1/users/me/messages/abc123", "not in allowlist"},
		{"POST", "gmail/v1/users/me/history", "not in allowlist"},
		{"GET", "not/a/gmail/path", "invalid Gmail API path"},
		{"GET", "gmail/v1/users/me/", "invalid Gmail API path"},
	}
	filter := &GmailFilter{}
	for _, test := range tests {
		err := filter.Check(test.method, test.path)
		if err == nil {
			t.Errorf("Check(%s, %s) allowed, want blocked", test.method, test.path)
			continue
		}
		if !strings.Contains(err.Error(), test.reason) {
			t.Errorf("Check(%s, %s) = %q, want reason containing %q",
				test.method, test.path, err, test.reason)
		}
	}
}

func TestGmailFilterLowercaseMethod(t *testing.T) {
	filter := &GmailFilter{}
	if err := filter.Check("get", "gmail/v1/users/me/messages"); err != nil {
		t.Errorf("lowercase method rejected: %v", err)
	}
	if err := filter.Check("delete", "gmail/v1/users/me/messages/abc"); err == nil {
		t.Error("lowercase DELETE on messages allowed")
	}
}
