// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter throttles the session, git, and issue endpoints with a
// token bucket per client IP. Proxy forwarding is not limited; the
// upstream services apply their own quotas.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newRateLimiter creates a limiter from config, or nil when rate
// limiting is disabled.
func newRateLimiter(config RateLimitConfig) *rateLimiter {
	if !config.Enabled {
		return nil
	}
	perMinute := config.RequestsPerMinute
	if perMinute == 0 {
		perMinute = 30
	}
	burst := config.Burst
	if burst == 0 {
		burst = 10
	}
	return &rateLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

// Allow reports whether a request from remoteAddr may proceed. A nil
// limiter allows everything.
func (l *rateLimiter) Allow(remoteAddr string) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
