// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// WithTemperature returns params with Temperature set to t.
func (p GenerationParams) WithTemperature(t float32) GenerationParams {
	p.Temperature = &t
	return p
}

// Schema describes the JSON object a structured call must return.
type Schema struct {
	Name        string
	Description string
	Definition  jsonschema.Definition
}

// StreamCallback receives each text fragment as it arrives. Returning an
// error stops the stream and the error is returned from ChatStream.
type StreamCallback func(fragment string) error

// LLMClient is implemented by every model backend.
type LLMClient interface {
	// Chat returns the full completion for messages.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
	// ChatStructured returns a JSON document that conforms to schema.
	ChatStructured(ctx context.Context, messages []Message, schema Schema, params GenerationParams) ([]byte, error)
	// ChatStream invokes callback for every fragment and returns the
	// concatenated text.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) (string, error)
}
