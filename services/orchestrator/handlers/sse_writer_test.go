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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/datatypes"
)

type nonFlusher struct {
	header http.Header
}

func (n *nonFlusher) Header() http.Header        { return n.header }
func (n *nonFlusher) Write(b []byte) (int, error) { return len(b), nil }
func (n *nonFlusher) WriteHeader(int)             {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&nonFlusher{header: http.Header{}})
	assert.Error(t, err)
}

func TestSSEWriter_Framing(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteConnected("c1"))
	require.NoError(t, writer.WriteFragment("c1", "a & b", 1))
	require.NoError(t, writer.WriteError(datatypes.ErrorEvent{Content: "oops", ConversationID: "c1", ErrorMessage: "x", HTTPCode: 503}))
	require.NoError(t, writer.WriteDone())

	want := `data: {"conversation_id":"c1","status":"connected"}` + "\n\n" +
		`data: {"content":"a & b","conversation_id":"c1","chunk_id":1}` + "\n\n" +
		`data: {"content":"oops","conversation_id":"c1","error":true,"error_message":"x","HTTP_CODE":503}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, w.Body.String())
	assert.True(t, w.Flushed)
}

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}
