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

// State enumerates the steps of one answer turn.
type State int

const (
	StateRoute State = iota
	StateDisallow
	StateEntityExtract
	StateRetrieverAttempt
	StateRetrieverQuery
	StateRetriever
	StateContextCleanup
	StateAnswerJudgment
	StateAnswer
	StateEnd
)

var stateNames = [...]string{
	StateRoute:            "route",
	StateDisallow:         "disallow",
	StateEntityExtract:    "entity_extract",
	StateRetrieverAttempt: "retriever_attempt",
	StateRetrieverQuery:   "retriever_query",
	StateRetriever:        "retriever",
	StateContextCleanup:   "context_cleanup",
	StateAnswerJudgment:   "answer_judgment",
	StateAnswer:           "answer",
	StateEnd:              "end",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Streams reports whether the state's model output is forwarded to the
// client as fragments. Only the two user-facing states stream.
func (s State) Streams() bool {
	return s == StateAnswer || s == StateDisallow
}

// PromptStatus is the router's verdict.
type PromptStatus string

const (
	PromptAllow    PromptStatus = "allow"
	PromptDisallow PromptStatus = "disallow"
)

// Sufficiency is the answer-judgment verdict.
type Sufficiency string

const (
	SufficiencyYes Sufficiency = "yes"
	SufficiencyNo  Sufficiency = "no"
)

// Next is the transition function. It is pure: the successor depends only
// on the current state, the turn state and the retry bound.
//
// The retry loop runs answer_judgment -> retriever_attempt while the
// judgment is "no". retriever_attempt increments the attempt count before
// Next is consulted, so at most maxAttempts retrievals run and the
// (maxAttempts+1)th visit falls through to answer.
func Next(s State, ts *TurnState, maxAttempts int) State {
	switch s {
	case StateRoute:
		if ts.PromptStatus == PromptAllow {
			return StateEntityExtract
		}
		return StateDisallow
	case StateEntityExtract:
		return StateRetrieverAttempt
	case StateRetrieverAttempt:
		if ts.RetrieverAttemptCount <= maxAttempts {
			return StateRetrieverQuery
		}
		return StateAnswer
	case StateRetrieverQuery:
		return StateRetriever
	case StateRetriever:
		return StateContextCleanup
	case StateContextCleanup:
		return StateAnswerJudgment
	case StateAnswerJudgment:
		if ts.AnswerSufficiency == SufficiencyYes {
			return StateAnswer
		}
		return StateRetrieverAttempt
	default:
		// disallow, answer and end all terminate.
		return StateEnd
	}
}
