// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the credential proxy's HTTP surface: an AI
// agent holding only an ephemeral session ID acts against third-party
// APIs while the proxy holds the real secrets and injects them into
// outbound requests.
//
// [Server] binds a loopback TCP address and serves four groups of
// routes. Session management (/sessions, /services) is admin-only,
// authenticated by the X-Auth-Key shared secret compared in constant
// time; the MCP layer mints sessions on behalf of users. The
// transparent proxy (/proxy/{service}/{path...}) authenticates with
// X-Session-Id, checks the session's service scope, applies the
// per-service endpoint policy ([EndpointFilter], currently Gmail), and
// hands the request to [Forwarder]. Git bundle endpoints
// (/git/fetch-bundle, /git/push-bundle) accept either a git-scoped
// session or the legacy admin key and delegate to lib/gitbundle after
// lib/gitsafety validation. /issues files GitHub issues via the gh
// CLI.
//
// [Forwarder] rebuilds each outbound request from scratch: a hard
// allowlist of forwardable headers, path-traversal rejection on both
// the raw and decoded path, host pinning against the credential's base
// URL, credential injection, and chunked streaming of the upstream
// response. Upstream failures map to 502/504 without leaking error
// text; minted tokens are scrubbed from server logs by lib/redact.
//
// Configuration is a YAML file ([Config]) with environment overrides
// (PROXY_SECRET_KEY, PUBLIC_PROXY_URL, PORT). Rate limiting of the
// admin and git endpoints is a per-client-IP token bucket, disabled by
// default.
package proxy
