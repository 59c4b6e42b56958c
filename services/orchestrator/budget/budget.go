// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget computes how much evidence a single retrieval attempt may
// pull from the knowledge graph and the vector index.
//
// The graph budget grows linearly with the attempt number so that later
// attempts widen the search. The vector budget is fixed for the whole turn.
package budget

import (
	"fmt"
	"math"
)

// CorpusStats are the corpus sizes the budgets are derived from. They are
// measured once when the service starts.
type CorpusStats struct {
	NodeCount         int `json:"total_nodes"`
	RelationshipCount int `json:"total_relationships"`
	DocumentCount     int `json:"embedded_documents"`
}

// GraphItemLimit returns the number of graph facts attempt may retrieve:
//
//	floor(((nodes + relationships) * rate) / maxAttempts * attempt)
//
// Callers must pass maxAttempts >= 1 and attempt in [1, maxAttempts].
func GraphItemLimit(nodeCount, relationshipCount int, rate float64, maxAttempts, attempt int) int {
	total := float64(nodeCount+relationshipCount) * rate
	return int(math.Floor(total / float64(maxAttempts) * float64(attempt)))
}

// VectorItemLimit returns floor(documents * rate).
func VectorItemLimit(documentCount int, rate float64) int {
	return int(math.Floor(float64(documentCount) * rate))
}

// Plan binds corpus statistics to the configured rates.
type Plan struct {
	stats       CorpusStats
	graphRate   float64
	vectorRate  float64
	maxAttempts int
	vectorLimit int
}

// NewPlan validates its inputs and precomputes the vector budget.
func NewPlan(stats CorpusStats, graphRate, vectorRate float64, maxAttempts int) (*Plan, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max retriever attempts must be >= 1, got %d", maxAttempts)
	}
	if graphRate < 0 || graphRate > 1 {
		return nil, fmt.Errorf("graph search rate must be in [0,1], got %v", graphRate)
	}
	if vectorRate < 0 || vectorRate > 1 {
		return nil, fmt.Errorf("vector search rate must be in [0,1], got %v", vectorRate)
	}
	if stats.NodeCount < 0 || stats.RelationshipCount < 0 || stats.DocumentCount < 0 {
		return nil, fmt.Errorf("corpus statistics must be non-negative: %+v", stats)
	}
	return &Plan{
		stats:       stats,
		graphRate:   graphRate,
		vectorRate:  vectorRate,
		maxAttempts: maxAttempts,
		vectorLimit: VectorItemLimit(stats.DocumentCount, vectorRate),
	}, nil
}

// GraphLimit is the graph budget for the given 1-based attempt. Attempts past
// the maximum are clamped to it.
func (p *Plan) GraphLimit(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.maxAttempts {
		attempt = p.maxAttempts
	}
	return GraphItemLimit(p.stats.NodeCount, p.stats.RelationshipCount, p.graphRate, p.maxAttempts, attempt)
}

// VectorLimit is the per-attempt vector budget.
func (p *Plan) VectorLimit() int { return p.vectorLimit }

// MaxAttempts is the retrieval retry bound.
func (p *Plan) MaxAttempts() int { return p.maxAttempts }

// Stats returns the corpus statistics the plan was built from.
func (p *Plan) Stats() CorpusStats { return p.stats }
