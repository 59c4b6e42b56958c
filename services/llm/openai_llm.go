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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "llm"

var tracer = otel.Tracer("sc2editor.llm")

// OpenAIConfig configures any OpenAI-compatible chat endpoint, including
// Gemini's compatibility endpoint.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the default api.openai.com endpoint.
	BaseURL string
	Model   string
	Timeout time.Duration
}

type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OpenAI API key not configured and secret not found", "path", secretPath)
			return nil, fmt.Errorf("openai api key not configured")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API Key from Podman Secrets")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("No model configured, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: cfg.Timeout,
	}, nil
}

func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, o.request(messages, params))
	if err != nil {
		return "", o.fail(span, "chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", o.fail(span, "chat", errors.New("no choices returned"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIClient) ChatStructured(ctx context.Context, messages []Message, schema Schema, params GenerationParams) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStructured")
	defer span.End()
	span.SetAttributes(attribute.String("llm.schema", schema.Name))
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	req := o.request(messages, params)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:        schema.Name,
			Description: schema.Description,
			Schema:      &schema.Definition,
			Strict:      true,
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, o.fail(span, "chat_structured", err)
	}
	if len(resp.Choices) == 0 {
		return nil, o.fail(span, "chat_structured", errors.New("no choices returned"))
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

func (o *OpenAIClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	req := o.request(messages, params)
	req.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", o.fail(span, "chat_stream", err)
	}
	defer stream.Close()

	var sb strings.Builder
	fragments := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sb.String(), o.fail(span, "chat_stream", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		fragment := resp.Choices[0].Delta.Content
		sb.WriteString(fragment)
		fragments++
		if err := callback(fragment); err != nil {
			// Callback errors belong to the caller; they are not upstream failures.
			return sb.String(), err
		}
	}
	span.SetAttributes(attribute.Int("llm.fragments", fragments))
	return sb.String(), nil
}

func (o *OpenAIClient) request(messages []Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
		if req.Temperature == 0 {
			// A zero temperature is dropped by omitempty.
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func (o *OpenAIClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return ctx, func() {}
}

func (o *OpenAIClient) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Error("OpenAI API call failed", "op", op, "model", o.model, "error", err)
	return upstream.Wrap(serviceName, op, err)
}
