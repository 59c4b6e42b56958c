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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LangChainClient adapts any langchaingo model to LLMClient. It is used for
// the native Gemini API and for local Ollama models.
type LangChainClient struct {
	model   llms.Model
	name    string
	timeout time.Duration
}

// GeminiConfig configures the native Gemini backend.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewGeminiClient creates a Gemini client via langchaingo's googleai provider.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*LangChainClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	slog.Info("Initializing Gemini client", "model", cfg.Model)
	return NewLangChainClient(model, cfg.Model, cfg.Timeout), nil
}

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOllamaClient creates an Ollama client via langchaingo.
func NewOllamaClient(cfg OllamaConfig) (*LangChainClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base url not configured")
	}
	if cfg.Model == "" {
		slog.Warn("No Ollama model configured, defaulting to gpt-oss")
		cfg.Model = "gpt-oss"
	}
	model, err := ollama.New(
		ollama.WithServerURL(strings.TrimSuffix(cfg.BaseURL, "/")),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client", "base_url", cfg.BaseURL, "model", cfg.Model)
	return NewLangChainClient(model, cfg.Model, cfg.Timeout), nil
}

// NewLangChainClient wraps an existing langchaingo model.
func NewLangChainClient(model llms.Model, name string, timeout time.Duration) *LangChainClient {
	return &LangChainClient{model: model, name: name, timeout: timeout}
}

func (l *LangChainClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LangChainClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.name), attribute.Int("llm.num_messages", len(messages)))

	text, err := l.generate(ctx, toMessageContent(messages), callOptions(params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", upstream.Wrap(serviceName, "chat", err)
	}
	return text, nil
}

// ChatStructured asks for JSON mode and appends the schema to the system
// instructions, since not every langchaingo provider takes a schema natively.
func (l *LangChainClient) ChatStructured(ctx context.Context, messages []Message, schema Schema, params GenerationParams) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "LangChainClient.ChatStructured")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.name), attribute.String("llm.schema", schema.Name))

	schemaJSON, err := json.Marshal(&schema.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema %s: %w", schema.Name, err)
	}
	instruction := fmt.Sprintf("Respond only with a JSON object that matches this JSON schema:\n%s", schemaJSON)
	content := toMessageContent(withSystemSuffix(messages, instruction))

	opts := append(callOptions(params), llms.WithJSONMode())
	text, err := l.generate(ctx, content, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, upstream.Wrap(serviceName, "chat_structured", err)
	}
	return []byte(stripCodeFence(text)), nil
}

func (l *LangChainClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) (string, error) {
	ctx, span := tracer.Start(ctx, "LangChainClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.name))

	var (
		sb          strings.Builder
		callbackErr error
	)
	opts := append(callOptions(params), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		sb.Write(chunk)
		if err := callback(string(chunk)); err != nil {
			callbackErr = err
			return err
		}
		return nil
	}))

	_, err := l.generate(ctx, toMessageContent(messages), opts)
	if callbackErr != nil {
		return sb.String(), callbackErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sb.String(), upstream.Wrap(serviceName, "chat_stream", err)
	}
	return sb.String(), nil
}

func (l *LangChainClient) generate(ctx context.Context, content []llms.MessageContent, opts []llms.CallOption) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	resp, err := l.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Content, nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func callOptions(params GenerationParams) []llms.CallOption {
	var opts []llms.CallOption
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}

// withSystemSuffix appends text to the first system message, or prepends a
// new system message when there is none.
func withSystemSuffix(messages []Message, text string) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == RoleSystem {
			out[i].Content = out[i].Content + "\n\n" + text
			return out
		}
	}
	return append([]Message{{Role: RoleSystem, Content: text}}, out...)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
