// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphItemLimit(t *testing.T) {
	// 1000 nodes + 1000 relationships, 1% rate, 3 attempts -> 20 items overall
	assert.Equal(t, 6, GraphItemLimit(1000, 1000, 0.01, 3, 1))
	assert.Equal(t, 13, GraphItemLimit(1000, 1000, 0.01, 3, 2))
	assert.Equal(t, 20, GraphItemLimit(1000, 1000, 0.01, 3, 3))

	assert.Equal(t, 0, GraphItemLimit(0, 0, 0.5, 3, 3))
	assert.Equal(t, 0, GraphItemLimit(10, 10, 0, 3, 3))
}

func TestGraphItemLimit_MonotoneAndBounded(t *testing.T) {
	cases := []struct {
		nodes, rels int
		rate        float64
		max         int
	}{
		{1000, 1000, 0.01, 3},
		{37, 91, 0.33, 7},
		{1, 0, 1, 1},
		{123456, 654321, 0.0007, 5},
	}
	for _, c := range cases {
		ceiling := int(math.Floor(float64(c.nodes+c.rels) * c.rate))
		prev := 0
		for attempt := 1; attempt <= c.max; attempt++ {
			got := GraphItemLimit(c.nodes, c.rels, c.rate, c.max, attempt)
			assert.GreaterOrEqual(t, got, prev, "attempt %d of %+v", attempt, c)
			assert.LessOrEqual(t, got, ceiling, "attempt %d of %+v", attempt, c)
			prev = got
		}
	}
}

func TestVectorItemLimit(t *testing.T) {
	assert.Equal(t, 5, VectorItemLimit(500, 0.01))
	assert.Equal(t, 0, VectorItemLimit(99, 0.01))
	assert.Equal(t, 0, VectorItemLimit(0, 1))
	assert.Equal(t, 42, VectorItemLimit(42, 1))
}

func TestNewPlan(t *testing.T) {
	stats := CorpusStats{NodeCount: 1000, RelationshipCount: 1000, DocumentCount: 500}

	plan, err := NewPlan(stats, 0.01, 0.01, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, plan.VectorLimit())
	assert.Equal(t, 3, plan.MaxAttempts())
	assert.Equal(t, 6, plan.GraphLimit(1))
	assert.Equal(t, 20, plan.GraphLimit(3))
	assert.Equal(t, 20, plan.GraphLimit(9), "attempts past the maximum are clamped")
	assert.Equal(t, 6, plan.GraphLimit(0))
	assert.Equal(t, stats, plan.Stats())
}

func TestNewPlan_Invalid(t *testing.T) {
	stats := CorpusStats{NodeCount: 1, RelationshipCount: 1, DocumentCount: 1}

	_, err := NewPlan(stats, 0.01, 0.01, 0)
	assert.Error(t, err)
	_, err = NewPlan(stats, 1.5, 0.01, 3)
	assert.Error(t, err)
	_, err = NewPlan(stats, 0.01, -0.1, 3)
	assert.Error(t, err)
	_, err = NewPlan(CorpusStats{NodeCount: -1}, 0.01, 0.01, 3)
	assert.Error(t, err)
}
