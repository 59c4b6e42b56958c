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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/conversation"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/datatypes"
)

// ConversationHandler serves the conversation management endpoints.
type ConversationHandler struct {
	store *conversation.Store
}

// NewConversationHandler returns a handler over store.
func NewConversationHandler(store *conversation.Store) *ConversationHandler {
	return &ConversationHandler{store: store}
}

// List handles GET /conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	ids := h.store.IDs()
	c.JSON(http.StatusOK, datatypes.ConversationListResponse{Conversations: ids, Total: len(ids)})
}

// Get handles GET /conversations/:id.
func (h *ConversationHandler) Get(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.store.Get(id)
	if errors.Is(err, conversation.ErrNotFound) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Detail: "Conversation not found"})
		return
	}
	messages := make([]datatypes.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, datatypes.ConversationEntry{
			Role:      string(e.Role),
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	c.JSON(http.StatusOK, datatypes.ConversationResponse{ConversationID: id, Messages: messages})
}

// Delete handles DELETE /conversations/:id. Unknown ids are a 404.
func (h *ConversationHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Detail: "Conversation not found"})
		return
	}
	slog.Info("Conversation deleted", "conversation_id", id)
	c.JSON(http.StatusOK, datatypes.MessageResponse{Message: fmt.Sprintf("Conversation %s deleted", id)})
}

// ForceDelete handles POST /conversations/delete/:id, sent by browsers as a
// beacon on page teardown. It always answers 200.
func (h *ConversationHandler) ForceDelete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		c.JSON(http.StatusOK, datatypes.MessageResponse{Message: fmt.Sprintf("Conversation %s not found", id)})
		return
	}
	slog.Info("Conversation force-deleted", "conversation_id", id)
	c.JSON(http.StatusOK, datatypes.MessageResponse{Message: fmt.Sprintf("Conversation %s deleted", id)})
}
