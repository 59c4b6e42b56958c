// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the answer state machine for one conversation turn:
// route the prompt, extract keywords, retrieve evidence in a bounded retry
// loop, judge sufficiency and stream the final answer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/SC2EditorAI/services/llm"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/retrieval"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sc2editor.orchestrator.engine")

// ErrEmptyTranscript is returned when a turn is started without messages.
var ErrEmptyTranscript = errors.New("engine: transcript has no messages")

// Retriever fetches evidence for one attempt.
type Retriever interface {
	Retrieve(ctx context.Context, keywords []string, query string, attempt int) (retrieval.Evidence, error)
}

// Observer receives per-state timings and per-turn outcomes.
type Observer interface {
	ObserveState(state string, duration time.Duration, err error)
	ObserveTurn(terminal string, attempts int)
}

// Fragment is one piece of streamed output.
type Fragment struct {
	State   State
	Content string
}

// FragmentFunc receives streamed fragments. Returning an error aborts the
// turn and the error is returned from Stream unchanged.
type FragmentFunc func(Fragment) error

// Temperatures per model-backed state.
const (
	deterministicTemperature float32 = 0
	creativeTemperature      float32 = 0.3
)

// Result summarises a finished (or aborted) turn.
type Result struct {
	Terminal State
	Answer   string
	Attempts int
	Trace    []State
}

// Config holds the engine's tunables.
type Config struct {
	MaxRetrieverAttempts int
}

// Engine drives turns. It is safe for concurrent use across conversations.
type Engine struct {
	model       llm.LLMClient
	retriever   Retriever
	checkpoints *CheckpointSaver
	observer    Observer
	maxAttempts int
}

// New builds an engine. observer may be nil.
func New(model llm.LLMClient, retriever Retriever, checkpoints *CheckpointSaver, observer Observer, cfg Config) (*Engine, error) {
	if model == nil {
		return nil, errors.New("engine: model client is required")
	}
	if retriever == nil {
		return nil, errors.New("engine: retriever is required")
	}
	if cfg.MaxRetrieverAttempts < 1 {
		return nil, fmt.Errorf("engine: max retriever attempts must be >= 1, got %d", cfg.MaxRetrieverAttempts)
	}
	if checkpoints == nil {
		checkpoints = NewCheckpointSaver()
	}
	return &Engine{
		model:       model,
		retriever:   retriever,
		checkpoints: checkpoints,
		observer:    observer,
		maxAttempts: cfg.MaxRetrieverAttempts,
	}, nil
}

// Checkpoint returns a copy of the in-flight turn state for conversationID.
func (e *Engine) Checkpoint(conversationID string) (*TurnState, bool) {
	return e.checkpoints.Get(conversationID)
}

// DeleteCheckpoint discards the turn state for conversationID.
func (e *Engine) DeleteCheckpoint(conversationID string) bool {
	return e.checkpoints.Delete(conversationID)
}

// Stream runs one turn over messages, whose last entry is the user's
// current prompt. Output of the answer and disallow states is delivered to
// emit as it arrives; every other state runs silently.
//
// The turn always starts from a fresh state: a checkpoint left over from an
// earlier turn of the same conversation is overwritten.
func (e *Engine) Stream(ctx context.Context, conversationID string, messages []llm.Message, emit FragmentFunc) (Result, error) {
	if len(messages) == 0 {
		return Result{}, ErrEmptyTranscript
	}
	ctx, span := tracer.Start(ctx, "engine.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	ts := &TurnState{Messages: append([]llm.Message(nil), messages...), Current: StateRoute}
	e.checkpoints.Put(conversationID, ts)

	for state := StateRoute; state != StateEnd; state = Next(state, ts, e.maxAttempts) {
		ts.Current = state
		ts.Trace = append(ts.Trace, state)
		e.checkpoints.Put(conversationID, ts)

		start := time.Now()
		err := e.step(ctx, state, ts, emit)
		if e.observer != nil {
			e.observer.ObserveState(state.String(), time.Since(start), err)
		}
		e.checkpoints.Put(conversationID, ts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, state.String())
			slog.Warn("Turn aborted", "conversation_id", conversationID, "state", state.String(), "error", err)
			return e.result(ts, state), fmt.Errorf("%s: %w", state, err)
		}
		slog.Debug("State complete",
			"conversation_id", conversationID,
			"state", state.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	terminal := ts.Trace[len(ts.Trace)-1]
	if e.observer != nil {
		e.observer.ObserveTurn(terminal.String(), ts.RetrieverAttemptCount)
	}
	span.SetAttributes(
		attribute.String("engine.terminal", terminal.String()),
		attribute.Int("engine.attempts", ts.RetrieverAttemptCount),
	)
	return e.result(ts, terminal), nil
}

func (e *Engine) result(ts *TurnState, terminal State) Result {
	return Result{
		Terminal: terminal,
		Answer:   ts.Answer,
		Attempts: ts.RetrieverAttemptCount,
		Trace:    append([]State(nil), ts.Trace...),
	}
}

func (e *Engine) step(ctx context.Context, state State, ts *TurnState, emit FragmentFunc) error {
	ctx, span := tracer.Start(ctx, "engine."+state.String())
	defer span.End()

	switch state {
	case StateRoute:
		return e.route(ctx, ts)
	case StateDisallow:
		return e.disallow(ctx, ts, emit)
	case StateEntityExtract:
		return e.extractEntities(ctx, ts)
	case StateRetrieverAttempt:
		ts.RetrieverAttemptCount++
		return nil
	case StateRetrieverQuery:
		return e.writeRetrieverQuery(ctx, ts)
	case StateRetriever:
		return e.retrieve(ctx, ts)
	case StateContextCleanup:
		return e.cleanupContext(ctx, ts)
	case StateAnswerJudgment:
		return e.judgeAnswer(ctx, ts)
	case StateAnswer:
		return e.answer(ctx, ts, emit)
	default:
		return fmt.Errorf("unexpected state %d", state)
	}
}

var routerSchema = llm.Schema{
	Name:        "router",
	Description: "Determines whether to allow or disallow prompts.",
	Definition: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"prompt_status": {
				Type:        jsonschema.String,
				Enum:        []string{string(PromptAllow), string(PromptDisallow)},
				Description: "Status indicating whether the prompt is allowed or not allowed.",
			},
		},
		Required:             []string{"prompt_status"},
		AdditionalProperties: false,
	},
}

var entitiesSchema = llm.Schema{
	Name:        "entities",
	Description: "Extracts named entities and key concepts from text.",
	Definition: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"keywords": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: "A list of key concepts or keywords mentioned in the text.",
			},
		},
		Required:             []string{"keywords"},
		AdditionalProperties: false,
	},
}

var judgmentSchema = llm.Schema{
	Name:        "answer_judgment",
	Description: "Determines whether an answer is possible from the conversation history and the given context.",
	Definition: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"answer_status": {
				Type:        jsonschema.String,
				Enum:        []string{string(SufficiencyYes), string(SufficiencyNo)},
				Description: "Status to check whether or not an answer can be given with the given information.",
			},
		},
		Required:             []string{"answer_status"},
		AdditionalProperties: false,
	},
}

func (e *Engine) route(ctx context.Context, ts *TurnState) error {
	var out struct {
		PromptStatus PromptStatus `json:"prompt_status"`
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: routerSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(routerHumanTemplate, FormatTranscript(ts.Messages))},
	}
	if err := e.structured(ctx, messages, routerSchema, &out); err != nil {
		return err
	}
	// Anything other than an explicit allow is refused.
	if out.PromptStatus != PromptAllow {
		out.PromptStatus = PromptDisallow
	}
	ts.PromptStatus = out.PromptStatus
	return nil
}

func (e *Engine) disallow(ctx context.Context, ts *TurnState, emit FragmentFunc) error {
	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: disallowSystemPrompt}}, ts.Messages...)
	answer, err := e.stream(ctx, StateDisallow, messages, emit)
	ts.Answer = answer
	return err
}

func (e *Engine) extractEntities(ctx context.Context, ts *TurnState) error {
	var out struct {
		Keywords []string `json:"keywords"`
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: entityExtractionSystemPrompt},
		{Role: llm.RoleUser, Content: ts.Messages[len(ts.Messages)-1].Content},
	}
	if err := e.structured(ctx, messages, entitiesSchema, &out); err != nil {
		return err
	}
	keywords := make([]string, 0, len(out.Keywords))
	for _, k := range out.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	ts.Keywords = keywords
	return nil
}

func (e *Engine) writeRetrieverQuery(ctx context.Context, ts *TurnState) error {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: retrieverQuerySystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(retrieverQueryHumanTemplate, ts.Context, FormatTranscript(ts.Messages))},
	}
	query, err := e.model.Chat(ctx, messages, llm.GenerationParams{}.WithTemperature(creativeTemperature))
	if err != nil {
		return err
	}
	ts.RetrieverQuery = query
	return nil
}

func (e *Engine) retrieve(ctx context.Context, ts *TurnState) error {
	ev, err := e.retriever.Retrieve(ctx, ts.Keywords, ts.RetrieverQuery, ts.RetrieverAttemptCount)
	if err != nil {
		return err
	}
	ts.GraphContext = ev.Graph
	ts.VectorContext = ev.Vector
	ts.Context = retrieval.AppendContext(ts.Context, ev)
	return nil
}

func (e *Engine) cleanupContext(ctx context.Context, ts *TurnState) error {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: contextCleanupSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(contextCleanupHumanTemplate, FormatTranscript(ts.Messages), ts.Context)},
	}
	cleaned, err := e.model.Chat(ctx, messages, llm.GenerationParams{}.WithTemperature(deterministicTemperature))
	if err != nil {
		return err
	}
	ts.Context = cleaned
	return nil
}

func (e *Engine) judgeAnswer(ctx context.Context, ts *TurnState) error {
	var out struct {
		AnswerStatus Sufficiency `json:"answer_status"`
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: answerJudgmentSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(answerJudgmentHumanTemplate, ts.Context, FormatTranscript(ts.Messages))},
	}
	if err := e.structured(ctx, messages, judgmentSchema, &out); err != nil {
		return err
	}
	if out.AnswerStatus != SufficiencyYes {
		out.AnswerStatus = SufficiencyNo
	}
	ts.AnswerSufficiency = out.AnswerStatus
	return nil
}

func (e *Engine) answer(ctx context.Context, ts *TurnState, emit FragmentFunc) error {
	system := fmt.Sprintf(answerContextTemplate, answerSystemPrompt, ts.Context)
	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, ts.Messages...)
	answer, err := e.stream(ctx, StateAnswer, messages, emit)
	ts.Answer = answer
	return err
}

func (e *Engine) stream(ctx context.Context, state State, messages []llm.Message, emit FragmentFunc) (string, error) {
	return e.model.ChatStream(ctx, messages, llm.GenerationParams{}.WithTemperature(creativeTemperature), func(fragment string) error {
		if emit == nil {
			return nil
		}
		return emit(Fragment{State: state, Content: fragment})
	})
}

func (e *Engine) structured(ctx context.Context, messages []llm.Message, schema llm.Schema, out any) error {
	raw, err := e.model.ChatStructured(ctx, messages, schema, llm.GenerationParams{}.WithTemperature(deterministicTemperature))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", schema.Name, err)
	}
	return nil
}

// FormatTranscript renders messages one per line as "- Human: ...",
// "- AI: ..." or "- System: ...".
func FormatTranscript(messages []llm.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		var speaker string
		switch m.Role {
		case llm.RoleUser:
			speaker = "Human"
		case llm.RoleAssistant:
			speaker = "AI"
		case llm.RoleSystem:
			speaker = "System"
		default:
			speaker = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", speaker, m.Content))
	}
	return strings.Join(lines, "\n")
}
