// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Credproxyd is the credential proxy daemon. It holds a person's
// third-party API secrets (Bluesky app passwords, OAuth refresh
// tokens, GitHub tokens) and lets an AI agent act against those APIs
// with nothing more than an ephemeral session ID. The daemon binds
// loopback only; external exposure is a tunnel's job.
package main
