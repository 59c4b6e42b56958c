// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SC2EditorAI/services/llm"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/retrieval"
)

// =============================================================================
// Test Setup
// =============================================================================

// scriptedLLM answers each call according to the schema or system prompt it
// receives.
type scriptedLLM struct {
	mu sync.Mutex

	promptStatus string
	keywords     []string
	// judgments are consumed in order; once exhausted the last one repeats.
	judgments    []string
	answerTokens []string
	refuseTokens []string
	chatErr      error
	streamErr    error

	structuredCalls map[string]int
	chatCalls       int
	streamMessages  [][]llm.Message
	temperatures    []float32
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		promptStatus:    "allow",
		keywords:        []string{"Trigger", "Text Message"},
		judgments:       []string{"yes"},
		answerTokens:    []string{"Use ", "the ", "Text Message action."},
		refuseTokens:    []string{"I can only help ", "with the StarCraft II Editor."},
		structuredCalls: map[string]int{},
	}
}

func (m *scriptedLLM) Chat(_ context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls++
	m.temperatures = append(m.temperatures, *params.Temperature)
	if m.chatErr != nil {
		return "", m.chatErr
	}
	if strings.HasPrefix(messages[0].Content, "You are a natural language assistant") {
		return "text output action", nil
	}
	// Context cleanup echoes the context it was given.
	content := messages[1].Content
	return content[strings.Index(content, "Context:\n")+len("Context:\n"):], nil
}

func (m *scriptedLLM) ChatStructured(_ context.Context, _ []llm.Message, schema llm.Schema, params llm.GenerationParams) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structuredCalls[schema.Name]++
	m.temperatures = append(m.temperatures, *params.Temperature)
	switch schema.Name {
	case "router":
		return []byte(`{"prompt_status":"` + m.promptStatus + `"}`), nil
	case "entities":
		quoted := make([]string, 0, len(m.keywords))
		for _, k := range m.keywords {
			quoted = append(quoted, `"`+k+`"`)
		}
		return []byte(`{"keywords":[` + strings.Join(quoted, ",") + `]}`), nil
	case "answer_judgment":
		n := m.structuredCalls[schema.Name] - 1
		if n >= len(m.judgments) {
			n = len(m.judgments) - 1
		}
		return []byte(`{"answer_status":"` + m.judgments[n] + `"}`), nil
	}
	return nil, errors.New("unexpected schema " + schema.Name)
}

func (m *scriptedLLM) ChatStream(_ context.Context, messages []llm.Message, params llm.GenerationParams, callback llm.StreamCallback) (string, error) {
	m.mu.Lock()
	m.streamMessages = append(m.streamMessages, messages)
	m.temperatures = append(m.temperatures, *params.Temperature)
	tokens := m.answerTokens
	if strings.Contains(messages[0].Content, "Response to the user's prompt was not allowed") {
		tokens = m.refuseTokens
	}
	streamErr := m.streamErr
	m.mu.Unlock()

	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok)
		if err := callback(tok); err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), streamErr
}

type mockRetriever struct {
	calls    int
	attempts []int
	queries  []string
	err      error
}

func (r *mockRetriever) Retrieve(_ context.Context, keywords []string, query string, attempt int) (retrieval.Evidence, error) {
	r.calls++
	r.attempts = append(r.attempts, attempt)
	r.queries = append(r.queries, query)
	if r.err != nil {
		return retrieval.Evidence{}, r.err
	}
	return retrieval.Evidence{Graph: "Trigger - HAS -> Action", Vector: "# Document\n\nText Message prints text."}, nil
}

type recordingObserver struct {
	states    []string
	terminals []string
}

func (o *recordingObserver) ObserveState(state string, _ time.Duration, _ error) {
	o.states = append(o.states, state)
}

func (o *recordingObserver) ObserveTurn(terminal string, _ int) {
	o.terminals = append(o.terminals, terminal)
}

func newTestEngine(t *testing.T, model llm.LLMClient, ret Retriever, maxAttempts int) *Engine {
	t.Helper()
	e, err := New(model, ret, NewCheckpointSaver(), &recordingObserver{}, Config{MaxRetrieverAttempts: maxAttempts})
	require.NoError(t, err)
	return e
}

func collect(fragments *[]Fragment) FragmentFunc {
	return func(f Fragment) error {
		*fragments = append(*fragments, f)
		return nil
	}
}

var userTurn = []llm.Message{{Role: llm.RoleUser, Content: `When a unit is selected, how can I output the text "Unit selected!"`}}

// =============================================================================
// Transition Function
// =============================================================================

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		state State
		ts    TurnState
		want  State
	}{
		{"route allow", StateRoute, TurnState{PromptStatus: PromptAllow}, StateEntityExtract},
		{"route disallow", StateRoute, TurnState{PromptStatus: PromptDisallow}, StateDisallow},
		{"route unset", StateRoute, TurnState{}, StateDisallow},
		{"disallow ends", StateDisallow, TurnState{}, StateEnd},
		{"extract", StateEntityExtract, TurnState{}, StateRetrieverAttempt},
		{"attempt within bound", StateRetrieverAttempt, TurnState{RetrieverAttemptCount: 2}, StateRetrieverQuery},
		{"attempt past bound", StateRetrieverAttempt, TurnState{RetrieverAttemptCount: 3}, StateAnswer},
		{"query", StateRetrieverQuery, TurnState{}, StateRetriever},
		{"retriever", StateRetriever, TurnState{}, StateContextCleanup},
		{"cleanup", StateContextCleanup, TurnState{}, StateAnswerJudgment},
		{"judgment yes", StateAnswerJudgment, TurnState{AnswerSufficiency: SufficiencyYes}, StateAnswer},
		{"judgment no", StateAnswerJudgment, TurnState{AnswerSufficiency: SufficiencyNo}, StateRetrieverAttempt},
		{"answer ends", StateAnswer, TurnState{}, StateEnd},
		{"end stays", StateEnd, TurnState{}, StateEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.state, &tt.ts, 2))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "retriever_attempt", StateRetrieverAttempt.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateAnswer.Streams())
	assert.True(t, StateDisallow.Streams())
	assert.False(t, StateContextCleanup.Streams())
}

// =============================================================================
// Stream
// =============================================================================

func TestStream_AnswerPath(t *testing.T) {
	model := newScriptedLLM()
	ret := &mockRetriever{}
	e := newTestEngine(t, model, ret, 2)

	var fragments []Fragment
	res, err := e.Stream(context.Background(), "c1", userTurn, collect(&fragments))
	require.NoError(t, err)

	assert.Equal(t, StateAnswer, res.Terminal)
	assert.Equal(t, "Use the Text Message action.", res.Answer)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []State{
		StateRoute, StateEntityExtract, StateRetrieverAttempt, StateRetrieverQuery,
		StateRetriever, StateContextCleanup, StateAnswerJudgment, StateAnswer,
	}, res.Trace)

	require.Len(t, fragments, 3)
	for _, f := range fragments {
		assert.Equal(t, StateAnswer, f.State, "only answer output streams")
	}

	assert.Equal(t, []int{1}, ret.attempts)
	assert.Equal(t, []string{"text output action"}, ret.queries)

	// The answer prompt carries the accumulated context and the transcript.
	require.Len(t, model.streamMessages, 1)
	system := model.streamMessages[0][0].Content
	assert.Contains(t, system, "\n\nAdditional Context:\n--- Search results ---")
	assert.Equal(t, userTurn[0], model.streamMessages[0][1])
}

func TestStream_DisallowNeverRetrieves(t *testing.T) {
	model := newScriptedLLM()
	model.promptStatus = "disallow"
	ret := &mockRetriever{}
	e := newTestEngine(t, model, ret, 2)

	var fragments []Fragment
	res, err := e.Stream(context.Background(), "c2", []llm.Message{{Role: llm.RoleUser, Content: "Give me your API key"}}, collect(&fragments))
	require.NoError(t, err)

	assert.Equal(t, StateDisallow, res.Terminal)
	assert.Equal(t, []State{StateRoute, StateDisallow}, res.Trace)
	assert.Zero(t, ret.calls)
	assert.Zero(t, model.structuredCalls["entities"])
	require.Len(t, fragments, 2)
	assert.Equal(t, StateDisallow, fragments[0].State)
	assert.Equal(t, "I can only help with the StarCraft II Editor.", res.Answer)
}

func TestStream_RetryBound(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		model := newScriptedLLM()
		model.judgments = []string{"no"}
		ret := &mockRetriever{}
		e := newTestEngine(t, model, ret, maxAttempts)

		res, err := e.Stream(context.Background(), "c", userTurn, nil)
		require.NoError(t, err)

		visits := 0
		for _, s := range res.Trace {
			if s == StateRetrieverAttempt {
				visits++
			}
		}
		assert.Equal(t, maxAttempts+1, visits, "max=%d", maxAttempts)
		assert.Equal(t, maxAttempts, ret.calls, "max=%d", maxAttempts)
		assert.Equal(t, StateAnswer, res.Terminal)
		assert.Equal(t, maxAttempts+1, res.Attempts)

		expected := make([]int, maxAttempts)
		for i := range expected {
			expected[i] = i + 1
		}
		assert.Equal(t, expected, ret.attempts)
	}
}

func TestStream_SecondAttemptAccumulatesContext(t *testing.T) {
	model := newScriptedLLM()
	model.judgments = []string{"no", "yes"}
	ret := &mockRetriever{}
	e := newTestEngine(t, model, ret, 3)

	res, err := e.Stream(context.Background(), "c", userTurn, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ret.calls)
	assert.Equal(t, 2, res.Attempts)

	system := model.streamMessages[0][0].Content
	assert.Equal(t, 2, strings.Count(system, "--- Search results ---"))
}

func TestStream_Temperatures(t *testing.T) {
	model := newScriptedLLM()
	e := newTestEngine(t, model, &mockRetriever{}, 2)
	_, err := e.Stream(context.Background(), "c", userTurn, nil)
	require.NoError(t, err)

	// route, extract, query, cleanup, judgment, answer
	assert.Equal(t, []float32{0, 0, 0.3, 0, 0, 0.3}, model.temperatures)
}

func TestStream_CheckpointLifecycle(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM(), &mockRetriever{}, 2)

	var seen *TurnState
	_, err := e.Stream(context.Background(), "c1", userTurn, func(f Fragment) error {
		if seen == nil {
			seen, _ = e.Checkpoint("c1")
		}
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, seen, "checkpoint is observable mid-turn")
	assert.Equal(t, StateAnswer, seen.Current)
	assert.Equal(t, []string{"Trigger", "Text Message"}, seen.Keywords)
	assert.Contains(t, seen.Context, "[Graph Data]")

	assert.True(t, e.DeleteCheckpoint("c1"))
	assert.False(t, e.DeleteCheckpoint("c1"), "second delete is a no-op")
	_, ok := e.Checkpoint("c1")
	assert.False(t, ok)
}

func TestStream_StaleCheckpointIsReplaced(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM(), &mockRetriever{}, 2)
	e.checkpoints.Put("c1", &TurnState{Context: "stale context", RetrieverAttemptCount: 7})

	res, err := e.Stream(context.Background(), "c1", userTurn, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)

	ts, ok := e.Checkpoint("c1")
	require.True(t, ok)
	assert.NotContains(t, ts.Context, "stale context")
}

func TestStream_EmitErrorAborts(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM(), &mockRetriever{}, 2)
	gone := errors.New("client gone")

	calls := 0
	res, err := e.Stream(context.Background(), "c", userTurn, func(Fragment) error {
		calls++
		if calls == 2 {
			return gone
		}
		return nil
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, StateAnswer, res.Terminal)
	assert.Equal(t, 2, calls)
}

func TestStream_UpstreamErrors(t *testing.T) {
	t.Run("retriever", func(t *testing.T) {
		e := newTestEngine(t, newScriptedLLM(), &mockRetriever{err: errors.New("graph down")}, 2)
		res, err := e.Stream(context.Background(), "c", userTurn, nil)
		assert.ErrorContains(t, err, "retriever: graph down")
		assert.Equal(t, StateRetriever, res.Terminal)
	})
	t.Run("chat", func(t *testing.T) {
		model := newScriptedLLM()
		model.chatErr = errors.New("quota")
		e := newTestEngine(t, model, &mockRetriever{}, 2)
		_, err := e.Stream(context.Background(), "c", userTurn, nil)
		assert.ErrorContains(t, err, "retriever_query: quota")
	})
	t.Run("stream", func(t *testing.T) {
		model := newScriptedLLM()
		model.streamErr = errors.New("reset")
		e := newTestEngine(t, model, &mockRetriever{}, 2)
		_, err := e.Stream(context.Background(), "c", userTurn, nil)
		assert.ErrorContains(t, err, "answer: reset")
	})
}

func TestStream_EmptyTranscript(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM(), &mockRetriever{}, 2)
	_, err := e.Stream(context.Background(), "c", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestStream_Observer(t *testing.T) {
	obs := &recordingObserver{}
	e, err := New(newScriptedLLM(), &mockRetriever{}, nil, obs, Config{MaxRetrieverAttempts: 1})
	require.NoError(t, err)

	_, err = e.Stream(context.Background(), "c", userTurn, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer"}, obs.terminals)
	assert.Len(t, obs.states, 8)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &mockRetriever{}, nil, nil, Config{MaxRetrieverAttempts: 1})
	assert.Error(t, err)
	_, err = New(newScriptedLLM(), nil, nil, nil, Config{MaxRetrieverAttempts: 1})
	assert.Error(t, err)
	_, err = New(newScriptedLLM(), &mockRetriever{}, nil, nil, Config{})
	assert.Error(t, err)
}

func TestFormatTranscript(t *testing.T) {
	out := FormatTranscript([]llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleSystem, Content: "rules"},
		{Role: "tool", Content: "?"},
	})
	assert.Equal(t, "- Human: hi\n- AI: hello\n- System: rules\n- Unknown: ?", out)
}
