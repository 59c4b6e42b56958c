// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/datatypes"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	model   bool
	graph   Pinger
	vector  Pinger
	active  func() int
	timeout time.Duration
	now     func() time.Time
}

// NewHealthHandler builds the handler. modelReady reports whether a model
// client was configured; graph and vector may be nil. active returns the
// current conversation count.
func NewHealthHandler(modelReady bool, graph, vector Pinger, active func() int) *HealthHandler {
	return &HealthHandler{
		model:   modelReady,
		graph:   graph,
		vector:  vector,
		active:  active,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

// Handle reports service status. It always answers 200; dependency problems
// appear in the services map.
func (h *HealthHandler) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	services := map[string]string{
		"http":   "running",
		"model":  connectedLabel(h.model),
		"graph":  h.probe(ctx, "graph", h.graph),
		"vector": h.probe(ctx, "vector", h.vector),
	}
	active := 0
	if h.active != nil {
		active = h.active()
	}
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:              "healthy",
		Timestamp:           h.now().UTC(),
		Services:            services,
		ActiveConversations: active,
	})
}

func (h *HealthHandler) probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return connectedLabel(false)
	}
	if err := p.Ping(ctx); err != nil {
		slog.Warn("Health probe failed", "service", name, "error", err)
		return connectedLabel(false)
	}
	return connectedLabel(true)
}

func connectedLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}
