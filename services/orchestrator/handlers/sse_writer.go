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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/datatypes"
)

// =============================================================================
// SSE Writer Interface
// =============================================================================

// SSEWriter writes turn events as Server-Sent Events.
//
// # Description
//
// Every event is a single "data: <json>\n\n" frame flushed immediately. The
// stream ends with a literal "data: [DONE]\n\n" frame unless the client
// disconnected.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SSEWriter interface {
	// WriteConnected writes the opening {conversation_id, status} event.
	WriteConnected(conversationID string) error

	// WriteFragment writes one answer fragment with its 1-based chunk id.
	WriteFragment(conversationID, content string, chunkID int) error

	// WriteError writes an error event.
	WriteError(event datatypes.ErrorEvent) error

	// WriteDone writes the terminal marker.
	WriteDone() error
}

// =============================================================================
// SSE Writer Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. It fails when w cannot flush, since buffered SSE
// never reaches the client.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteConnected(conversationID string) error {
	return w.writeJSON(datatypes.ConnectedEvent{ConversationID: conversationID, Status: "connected"})
}

func (w *sseWriter) WriteFragment(conversationID, content string, chunkID int) error {
	return w.writeJSON(datatypes.FragmentEvent{Content: content, ConversationID: conversationID, ChunkID: chunkID})
}

func (w *sseWriter) WriteError(event datatypes.ErrorEvent) error {
	event.Error = true
	return w.writeJSON(event)
}

func (w *sseWriter) WriteDone() error {
	return w.writeFrame([]byte(datatypes.StreamDoneMarker))
}

// writeJSON encodes without HTML escaping so markdown and code in answers
// reach the client verbatim.
func (w *sseWriter) writeJSON(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.writeFrame(bytes.TrimRight(buf.Bytes(), "\n"))
}

func (w *sseWriter) writeFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// SSE Headers
// =============================================================================

// SetSSEHeaders sets the headers for a streaming response, including the
// nginx hint that disables proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
