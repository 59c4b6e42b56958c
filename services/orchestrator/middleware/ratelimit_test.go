// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newLimitedRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw)
	router.POST("/chat/stream", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func hit(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
	req.RemoteAddr = ip + ":5555"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// RateLimit Tests
// =============================================================================

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	router := newLimitedRouter(rateLimit(RateLimitConfig{PerMinute: 30, Burst: 2}, clock.now))

	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)

	w := hit(router, "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"detail":"Rate limit exceeded: 30 per 1 minute"}`, w.Body.String())
}

func TestRateLimit_PerClient(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	router := newLimitedRouter(rateLimit(RateLimitConfig{PerMinute: 1, Burst: 1}, clock.now))

	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.2").Code)
}

func TestRateLimit_Refills(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	router := newLimitedRouter(rateLimit(RateLimitConfig{PerMinute: 60, Burst: 1}, clock.now))

	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "10.0.0.1").Code)

	clock.t = clock.t.Add(time.Second)
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	router := newLimitedRouter(RateLimit(RateLimitConfig{PerMinute: 0}))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1").Code)
	}
}

func TestLimiterRegistry_PrunesIdleClients(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	reg := newLimiterRegistry(RateLimitConfig{PerMinute: 10, Burst: 1, IdleTTL: 5 * time.Minute}, clock.now)

	reg.allow("a")
	reg.allow("b")
	require.Equal(t, 2, reg.size())

	clock.t = clock.t.Add(6 * time.Minute)
	reg.allow("c")
	assert.Equal(t, 1, reg.size())
}

// =============================================================================
// SecurityHeaders Tests
// =============================================================================

func TestSecurityHeaders(t *testing.T) {
	router := newLimitedRouter(SecurityHeaders())
	w := hit(router, "10.0.0.1")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Referrer-Policy"))
}
