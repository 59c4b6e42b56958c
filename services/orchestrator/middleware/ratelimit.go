// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Rate Limiting
//
// RateLimit applies a token bucket per client IP to the routes it wraps.
// Requests over the limit are rejected before the handler runs:
//
//	Request
//	   │
//	   ▼
//	RateLimit
//	   │
//	   ├─► key = c.ClientIP()
//	   │
//	   ├─► limiter(key).Allow()
//	   │        │
//	   │        └─► false: 429 {"detail": "Rate limit exceeded: N per 1 minute"}
//	   │
//	   └─► c.Next()
//
// # Security Headers
//
// SecurityHeaders sets conservative browser hardening headers on every
// response.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// =============================================================================
// Configuration
// =============================================================================

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// PerMinute is the sustained number of requests allowed per client.
	PerMinute int

	// Burst is the bucket size. Values below 1 are treated as 1.
	Burst int

	// IdleTTL is how long an unused client bucket is kept. Defaults to 10m.
	IdleTTL time.Duration
}

// =============================================================================
// Limiter Registry
// =============================================================================

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterRegistry struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func newLimiterRegistry(cfg RateLimitConfig, now func() time.Time) *limiterRegistry {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &limiterRegistry{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:     burst,
		idleTTL:   ttl,
		lastPrune: now(),
		now:       now,
	}
}

// allow reports whether key may proceed at time now.
func (r *limiterRegistry) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) > time.Minute {
		for k, cl := range r.clients {
			if now.Sub(cl.lastSeen) > r.idleTTL {
				delete(r.clients, k)
			}
		}
		r.lastPrune = now
	}

	cl, ok := r.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (r *limiterRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// =============================================================================
// Middleware
// =============================================================================

// RateLimit returns a per-client-IP token bucket middleware. A PerMinute of 0
// or less disables limiting.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) gin.HandlerFunc {
	if cfg.PerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	registry := newLimiterRegistry(cfg, now)
	detail := fmt.Sprintf("Rate limit exceeded: %d per 1 minute", cfg.PerMinute)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !registry.allow(ip) {
			slog.Warn("Rate limit exceeded", "client_ip", ip, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": detail})
			return
		}
		c.Next()
	}
}

// SecurityHeaders sets browser hardening headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
