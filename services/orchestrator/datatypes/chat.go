// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types of the orchestrator's HTTP API:
// turn submissions, streamed events and conversation management views.
package datatypes

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/SC2EditorAI/services/llm"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryMessages bounds the client-supplied history.
	MaxHistoryMessages = 200

	// MaxConversationIDLength bounds caller-chosen conversation ids.
	MaxConversationIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Submission
// =============================================================================

// Message is one prior turn supplied by the client.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatRequest is the body of POST /chat/stream.
//
// # Fields
//
//   - Message: Required. The current prompt.
//   - ConversationID: Optional. Generated when absent.
//   - History: Optional. Prior turns. May end with the current prompt,
//     in which case that trailing entry is ignored.
type ChatRequest struct {
	Message        string    `json:"message" validate:"required,maxbytes"`
	ConversationID string    `json:"conversation_id,omitempty" validate:"omitempty,max=128,printascii"`
	History        []Message `json:"history,omitempty" validate:"max=200,dive"`
}

// Validate runs struct validation.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureConversationID fills ConversationID with a fresh UUID when empty and
// returns it.
func (r *ChatRequest) EnsureConversationID() string {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	if r.ConversationID == "" {
		r.ConversationID = uuid.NewString()
	}
	return r.ConversationID
}

// HistoryMessages converts History to model messages.
func (r *ChatRequest) HistoryMessages() []llm.Message {
	out := make([]llm.Message, 0, len(r.History))
	for _, m := range r.History {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

// =============================================================================
// Stream Events
// =============================================================================

// ConnectedEvent is the first event of every stream.
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// FragmentEvent carries one piece of answer text. ChunkID starts at 1.
type FragmentEvent struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	ChunkID        int    `json:"chunk_id"`
}

// ErrorEvent reports a failed turn inside the stream.
type ErrorEvent struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	Error          bool   `json:"error"`
	ErrorMessage   string `json:"error_message"`
	HTTPCode       int    `json:"HTTP_CODE"`
}

// StreamDoneMarker terminates a stream that was not cut short by the client.
const StreamDoneMarker = "[DONE]"

// =============================================================================
// Conversation Management
// =============================================================================

// ConversationEntry is one stored message as returned to clients.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationResponse is the body of GET /conversations/{id}.
type ConversationResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []ConversationEntry `json:"messages"`
}

// ConversationListResponse is the body of GET /conversations.
type ConversationListResponse struct {
	Conversations []string `json:"conversations"`
	Total         int      `json:"total"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of non-streaming error replies.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status              string            `json:"status"`
	Timestamp           time.Time         `json:"timestamp"`
	Services            map[string]string `json:"services"`
	ActiveConversations int               `json:"active_conversations"`
}
