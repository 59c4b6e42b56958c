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
	"sync"

	"github.com/AleutianAI/SC2EditorAI/services/llm"
)

// TurnState is the working state of one answer turn. Fields are set as the
// states that own them run; the zero value is the start of a turn.
type TurnState struct {
	Messages              []llm.Message `json:"messages"`
	PromptStatus          PromptStatus  `json:"prompt_status,omitempty"`
	Keywords              []string      `json:"keywords,omitempty"`
	GraphContext          string        `json:"graph_context,omitempty"`
	VectorContext         string        `json:"vector_context,omitempty"`
	Context               string        `json:"context,omitempty"`
	RetrieverAttemptCount int           `json:"retriever_attempt_count"`
	RetrieverQuery        string        `json:"retriever_query,omitempty"`
	AnswerSufficiency     Sufficiency   `json:"answer_allow_status,omitempty"`
	Answer                string        `json:"answer,omitempty"`

	// Current is the state the turn is in; Trace lists every state entered.
	Current State   `json:"-"`
	Trace   []State `json:"-"`
}

func (ts *TurnState) clone() *TurnState {
	c := *ts
	c.Messages = append([]llm.Message(nil), ts.Messages...)
	c.Keywords = append([]string(nil), ts.Keywords...)
	c.Trace = append([]State(nil), ts.Trace...)
	return &c
}

// CheckpointSaver holds the latest turn state per conversation. Entries
// live for the duration of one turn and are removed by the caller that
// drives the turn.
type CheckpointSaver struct {
	mu          sync.RWMutex
	checkpoints map[string]*TurnState
}

func NewCheckpointSaver() *CheckpointSaver {
	return &CheckpointSaver{checkpoints: make(map[string]*TurnState)}
}

// Put stores a copy of ts under conversationID, replacing any previous entry.
func (c *CheckpointSaver) Put(conversationID string, ts *TurnState) {
	snapshot := ts.clone()
	c.mu.Lock()
	c.checkpoints[conversationID] = snapshot
	c.mu.Unlock()
}

// Get returns a copy of the checkpoint for conversationID.
func (c *CheckpointSaver) Get(conversationID string) (*TurnState, bool) {
	c.mu.RLock()
	ts, ok := c.checkpoints[conversationID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ts.clone(), true
}

// Delete removes the checkpoint and reports whether one existed. Deleting a
// missing id is a no-op.
func (c *CheckpointSaver) Delete(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.checkpoints[conversationID]
	delete(c.checkpoints, conversationID)
	return ok
}

func (c *CheckpointSaver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checkpoints)
}
