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
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
)

// fakeModel is an llms.Model that replays canned output.
type fakeModel struct {
	reply    string
	chunks   []string
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	f.opts = llms.CallOptions{}
	for _, o := range options {
		o(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.opts.StreamingFunc != nil {
		for _, c := range f.chunks {
			if err := f.opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainClient_Chat(t *testing.T) {
	model := &fakeModel{reply: "hello"}
	client := NewLangChainClient(model, "fake", 0)

	out, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "prev"},
	}, GenerationParams{}.WithTemperature(0.3))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[2].Role)
	assert.InDelta(t, 0.3, model.opts.Temperature, 1e-6)
}

func TestLangChainClient_ChatStructured(t *testing.T) {
	model := &fakeModel{reply: "```json\n{\"answer_status\":\"yes\"}\n```"}
	client := NewLangChainClient(model, "fake", 0)

	schema := Schema{Name: "judgment", Definition: jsonschema.Definition{
		Type:       jsonschema.Object,
		Properties: map[string]jsonschema.Definition{"answer_status": {Type: jsonschema.String, Enum: []string{"yes", "no"}}},
		Required:   []string{"answer_status"},
	}}
	out, err := client.ChatStructured(context.Background(), []Message{
		{Role: RoleSystem, Content: "judge"},
		{Role: RoleUser, Content: "ctx"},
	}, schema, GenerationParams{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer_status":"yes"}`, string(out))
	assert.True(t, model.opts.JSONMode)

	sys := model.messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, sys, "judge")
	assert.Contains(t, sys, "answer_status")
}

func TestLangChainClient_ChatStream(t *testing.T) {
	model := &fakeModel{chunks: []string{"Place ", "", "units."}, reply: "Place units."}
	client := NewLangChainClient(model, "fake", 0)

	var got []string
	out, err := client.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, GenerationParams{}, func(f string) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Place units.", out)
	assert.Equal(t, []string{"Place ", "units."}, got)
}

func TestLangChainClient_ChatStream_CallbackError(t *testing.T) {
	model := &fakeModel{chunks: []string{"a", "b"}}
	client := NewLangChainClient(model, "fake", 0)

	stop := errors.New("stop")
	out, err := client.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, GenerationParams{}, func(string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", out)
}

func TestLangChainClient_ErrorClassification(t *testing.T) {
	model := &fakeModel{err: status.Error(codes.ResourceExhausted, "quota")}
	client := NewLangChainClient(model, "fake", 0)

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, GenerationParams{})
	require.Error(t, err)
	assert.Equal(t, upstream.KindResourceExhausted, upstream.KindOf(err))
}

func TestWithSystemSuffix(t *testing.T) {
	out := withSystemSuffix([]Message{{Role: RoleUser, Content: "u"}}, "json please")
	require.Len(t, out, 2)
	assert.Equal(t, Message{Role: RoleSystem, Content: "json please"}, out[0])

	in := []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}}
	out = withSystemSuffix(in, "json please")
	assert.Equal(t, "s\n\njson please", out[0].Content)
	assert.Equal(t, "s", in[0].Content, "input is not mutated")
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`  {"a":1} `))
}
