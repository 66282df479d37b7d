// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package redact

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestRedactReplacesTrackedSecrets(t *testing.T) {
	tracker := NewTracker()
	tracker.Track("eyJhbGciOiJIUzI1NiJ9.access-token")
	tracker.Track("app-password-123")

	input := "auth failed for token eyJhbGciOiJIUzI1NiJ9.access-token using app-password-123"
	got := tracker.Redact(input)
	want := "auth failed for token [REDACTED] using [REDACTED]"
	if got != want {
		t.Errorf("Redact() = %q, want %q", got, want)
	}
}

func TestShortSecretsAreIgnored(t *testing.T) {
	tracker := NewTracker()
	tracker.Track("abc")
	tracker.Track("")
	tracker.Track("1234567")

	if tracker.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tracker.Len())
	}
	if got := tracker.Redact("abc 1234567"); got != "abc 1234567" {
		t.Errorf("Redact() = %q, short strings must pass through", got)
	}

	// Exactly eight characters is long enough.
	tracker.Track("12345678")
	if tracker.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tracker.Len())
	}
}

func TestTrackIsIdempotent(t *testing.T) {
	tracker := NewTracker()
	tracker.Track("same-secret-value")
	tracker.Track("same-secret-value")
	if tracker.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tracker.Len())
	}
}

func TestRedactUntrackedTextUnchanged(t *testing.T) {
	tracker := NewTracker()
	tracker.Track("secret-value-1")
	input := "nothing sensitive here"
	if got := tracker.Redact(input); got != input {
		t.Errorf("Redact() = %q, want unchanged", got)
	}
}

func TestConcurrentTrackAndRedact(t *testing.T) {
	tracker := NewTracker()
	var group sync.WaitGroup
	for i := range 20 {
		group.Add(2)
		go func() {
			defer group.Done()
			tracker.Track(fmt.Sprintf("secret-token-%02d", i))
		}()
		go func() {
			defer group.Done()
			tracker.Redact("log line mentioning secret-token-05 twice secret-token-05")
		}()
	}
	group.Wait()

	got := tracker.Redact("secret-token-05 and secret-token-19")
	if strings.Contains(got, "secret-token") {
		t.Errorf("Redact() = %q, tracked secrets leaked", got)
	}
}
