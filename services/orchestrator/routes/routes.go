// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/handlers"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/middleware"
)

// Handlers bundles everything SetupRoutes mounts.
type Handlers struct {
	Chat          handlers.StreamingChatHandler
	Conversations *handlers.ConversationHandler
	Health        *handlers.HealthHandler

	// RateLimit guards the chat stream endpoint.
	RateLimit middleware.RateLimitConfig

	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	router.Use(middleware.SecurityHeaders())

	router.GET("/health", h.Health.Handle)
	if h.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.POST("/chat/stream", middleware.RateLimit(h.RateLimit), h.Chat.HandleChatStream)

	conversations := router.Group("/conversations")
	{
		conversations.GET("", h.Conversations.List)
		conversations.GET("/:id", h.Conversations.Get)
		conversations.DELETE("/:id", h.Conversations.Delete)
		conversations.POST("/delete/:id", h.Conversations.ForceDelete)
	}
}
