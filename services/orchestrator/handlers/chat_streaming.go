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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
	"github.com/AleutianAI/SC2EditorAI/services/llm"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/conversation"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/datatypes"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/engine"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/observability"
)

// =============================================================================
// Interfaces
// =============================================================================

// TurnEngine runs one answer turn and owns its per-conversation checkpoint.
type TurnEngine interface {
	Stream(ctx context.Context, conversationID string, messages []llm.Message, emit engine.FragmentFunc) (engine.Result, error)
	DeleteCheckpoint(conversationID string) bool
}

// StreamingChatHandler serves POST /chat/stream.
type StreamingChatHandler interface {
	// HandleChatStream drives one turn and streams it as SSE.
	//
	// # Description
	//
	// Events are, in order: connected, one fragment per generated piece of
	// answer text, an error event if the turn failed, then [DONE]. A client
	// disconnect stops all further events including [DONE].
	//
	// Whatever the outcome, the turn's engine checkpoint is deleted exactly
	// once. The assistant reply is appended to the conversation when the
	// turn produced any answer text.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Configuration
// =============================================================================

// StreamingConfig holds the controller's pacing and timeout settings.
type StreamingConfig struct {
	// InitialDelay is slept after the connected event.
	InitialDelay time.Duration

	// FragmentDelay is slept after each fragment.
	FragmentDelay time.Duration

	// APITimeout bounds the whole turn's upstream calls. Zero means no bound.
	APITimeout time.Duration
}

// DefaultStreamingConfig returns the production pacing.
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		InitialDelay:  100 * time.Millisecond,
		FragmentDelay: 20 * time.Millisecond,
	}
}

// =============================================================================
// Implementation
// =============================================================================

type streamingChatHandler struct {
	engine  TurnEngine
	store   *conversation.Store
	metrics *observability.Metrics
	config  StreamingConfig
	tracer  trace.Tracer
}

// NewStreamingChatHandler builds the handler. metrics may be nil.
func NewStreamingChatHandler(eng TurnEngine, store *conversation.Store, metrics *observability.Metrics, config StreamingConfig) StreamingChatHandler {
	if eng == nil {
		panic("NewStreamingChatHandler: engine must not be nil")
	}
	if store == nil {
		panic("NewStreamingChatHandler: store must not be nil")
	}
	return &streamingChatHandler{
		engine:  eng,
		store:   store,
		metrics: metrics,
		config:  config,
		tracer:  otel.Tracer("sc2editor.handlers"),
	}
}

func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream
	reqCtx := c.Request.Context()

	ctx, span := h.tracer.Start(reqCtx, "HandleChatStream")
	defer span.End()

	if h.metrics != nil {
		h.metrics.StreamStarted(endpoint)
		defer h.metrics.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if h.metrics != nil {
			h.metrics.RecordRequest(endpoint, success)
			h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse and validate
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectRequest(c, span, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectRequest(c, span, err)
		return
	}

	conversationID := req.EnsureConversationID()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	// Step 2: Reconcile history and record the user's message
	history := conversation.TrimCurrentMessage(req.HistoryMessages(), req.Message)
	if h.store.Sync(conversationID, history, conversation.Entry{Role: llm.RoleUser, Content: req.Message}) {
		slog.Info("Conversation replaced from client history",
			"conversation_id", conversationID,
			"history_len", len(history),
		)
	}
	messages := append(append([]llm.Message(nil), history...), llm.Message{Role: llm.RoleUser, Content: req.Message})

	// Step 3: Open the stream
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming not supported", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: "streaming not supported"})
		return
	}
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	var cleanup sync.Once
	defer cleanup.Do(func() {
		h.engine.DeleteCheckpoint(conversationID)
	})

	disconnected := false
	gone := func() bool {
		if !disconnected && reqCtx.Err() != nil {
			disconnected = true
		}
		return disconnected
	}

	if gone() {
		h.recordDisconnect(conversationID, 0)
		return
	}
	if err := writer.WriteConnected(conversationID); err != nil {
		slog.Warn("Failed to write connected event", "conversation_id", conversationID, "error", err)
		return
	}
	h.pause(h.config.InitialDelay)

	// Step 4: Run the turn
	turnCtx := context.WithoutCancel(ctx)
	if h.config.APITimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(turnCtx, h.config.APITimeout)
		defer cancel()
	}

	var answer strings.Builder
	chunkID := 0
	emit := func(f engine.Fragment) error {
		if gone() {
			return errClientGone
		}
		chunkID++
		if chunkID == 1 && h.metrics != nil {
			h.metrics.RecordTimeToFirstFragment(endpoint, time.Since(startTime).Seconds())
		}
		if err := writer.WriteFragment(conversationID, f.Content, chunkID); err != nil {
			disconnected = true
			return errClientGone
		}
		if h.metrics != nil {
			h.metrics.RecordFragment(endpoint)
		}
		answer.WriteString(f.Content)
		h.pause(h.config.FragmentDelay)
		return nil
	}

	result, turnErr := h.engine.Stream(turnCtx, conversationID, messages, emit)

	// Step 5: Close out the stream
	switch {
	case errors.Is(turnErr, errClientGone):
		h.recordDisconnect(conversationID, chunkID)
	case turnErr != nil:
		h.reportFailure(span, writer, conversationID, turnErr, gone())
		if gone() {
			h.recordDisconnect(conversationID, chunkID)
		}
	default:
		success = true
	}
	if !gone() {
		if err := writer.WriteDone(); err != nil {
			slog.Warn("Failed to write done marker", "conversation_id", conversationID, "error", err)
		}
	} else if turnErr == nil {
		h.recordDisconnect(conversationID, chunkID)
	}

	// Step 6: Persist the reply. A completed turn always gets its reply,
	// even an empty one; an aborted turn keeps what was already streamed.
	answered := turnErr == nil && (result.Terminal == engine.StateAnswer || result.Terminal == engine.StateDisallow)
	if answered || chunkID > 0 {
		reply := answer.String()
		if reply == "" {
			reply = result.Answer
		}
		h.store.Sync(conversationID, messages, conversation.Entry{Role: llm.RoleAssistant, Content: reply})
	}

	cleanup.Do(func() {
		h.engine.DeleteCheckpoint(conversationID)
	})
	slog.Info("Turn finished",
		"conversation_id", conversationID,
		"terminal", result.Terminal.String(),
		"attempts", result.Attempts,
		"fragments", chunkID,
		"disconnected", disconnected,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func (h *streamingChatHandler) rejectRequest(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid request body")
	slog.Warn("Rejected chat request", "error", err)
	if h.metrics != nil {
		h.metrics.RecordError(observability.EndpointChatStream, string(upstream.KindInvalidArgument))
	}
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "invalid request body: " + err.Error()})
}

func (h *streamingChatHandler) reportFailure(span trace.Span, writer SSEWriter, conversationID string, err error, disconnected bool) {
	kind := upstream.KindOf(err)
	info := LookupError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	slog.Error("Turn failed",
		"conversation_id", conversationID,
		"kind", string(kind),
		"http_code", info.Code,
		"error", err,
	)
	if h.metrics != nil {
		h.metrics.RecordError(observability.EndpointChatStream, string(kind))
	}
	if disconnected {
		return
	}
	event := datatypes.ErrorEvent{
		Content:        ErrorContent(info),
		ConversationID: conversationID,
		ErrorMessage:   err.Error(),
		HTTPCode:       info.Code,
	}
	if werr := writer.WriteError(event); werr != nil {
		slog.Warn("Failed to write error event", "conversation_id", conversationID, "error", werr)
	}
}

func (h *streamingChatHandler) recordDisconnect(conversationID string, fragments int) {
	slog.Info("Client disconnected", "conversation_id", conversationID, "fragments_sent", fragments)
	if h.metrics != nil {
		h.metrics.RecordClientDisconnect(observability.EndpointChatStream)
	}
}

func (h *streamingChatHandler) pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

var _ StreamingChatHandler = (*streamingChatHandler)(nil)
