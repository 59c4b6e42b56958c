// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval gathers evidence for one retrieval attempt from the
// knowledge graph and the vector index, and renders it as the text block the
// model prompts consume.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/SC2EditorAI/services/graph"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/budget"
	"github.com/AleutianAI/SC2EditorAI/services/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("sc2editor.orchestrator.retrieval")

const (
	NoGraphData  = "There is no associated graph data."
	NoVectorData = "There is no associated vector data."
)

// neighborhoodQuery finds nodes whose id or text contains the keyword and
// renders each adjacent relationship in its stored direction.
const neighborhoodQuery = `MATCH (node)
WHERE toLower(node.id) CONTAINS toLower($query) OR toLower(node.text) CONTAINS toLower($query)
MATCH (node)-[r]-(neighbor)
WHERE type(r) <> $excluded
RETURN CASE
    WHEN startNode(r) = node
    THEN node.id + ' - ' + type(r) + ' -> ' + neighbor.id
    ELSE neighbor.id + ' - ' + type(r) + ' -> ' + node.id
END AS output
LIMIT $limit`

// Evidence is what one attempt retrieved, already rendered.
type Evidence struct {
	Graph  string
	Vector string
}

// Block combines both sections under the search-results header.
func (e Evidence) Block() string {
	return "--- Search results ---\n\n[Graph Data]\n\n" + e.Graph + "\n\n[Vector Data]\n\n" + e.Vector
}

// AppendContext adds an attempt's evidence block to the accumulated context.
func AppendContext(prev string, e Evidence) string {
	block := strings.TrimSpace(e.Block())
	if prev == "" {
		return block
	}
	return strings.TrimSpace(prev + "\n\n" + block)
}

// Config tunes what the retriever asks for and what it discards.
type Config struct {
	// ExcludedRelationship is a relationship type never returned from the graph.
	ExcludedRelationship string
	// DroppedMetadata lists passage metadata keys removed before rendering.
	DroppedMetadata []string
}

// DefaultConfig matches the layout of the ingested editor corpus.
func DefaultConfig() Config {
	return Config{
		ExcludedRelationship: "MENTIONS",
		DroppedMetadata:      []string{"source", "languages", "filetype"},
	}
}

// Retriever runs graph and vector retrieval under a budget plan.
type Retriever struct {
	graph   graph.Querier
	vectors vector.Searcher
	plan    *budget.Plan
	cfg     Config
	dropped map[string]struct{}
}

func New(g graph.Querier, v vector.Searcher, plan *budget.Plan, cfg Config) *Retriever {
	if g == nil || v == nil || plan == nil {
		panic("retrieval.New: graph, vector and plan are required")
	}
	dropped := make(map[string]struct{}, len(cfg.DroppedMetadata))
	for _, k := range cfg.DroppedMetadata {
		dropped[k] = struct{}{}
	}
	return &Retriever{graph: g, vectors: v, plan: plan, cfg: cfg, dropped: dropped}
}

// Plan exposes the budget plan the retriever enforces.
func (r *Retriever) Plan() *budget.Plan { return r.plan }

// Retrieve runs one attempt. Graph facts are looked up per keyword under the
// attempt's graph budget; passages are searched with query under the fixed
// vector budget. Both lookups run concurrently and the first failure aborts
// the attempt.
func (r *Retriever) Retrieve(ctx context.Context, keywords []string, query string, attempt int) (Evidence, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	graphLimit := r.plan.GraphLimit(attempt)
	vectorLimit := r.plan.VectorLimit()
	span.SetAttributes(
		attribute.Int("retrieval.attempt", attempt),
		attribute.Int("retrieval.graph_limit", graphLimit),
		attribute.Int("retrieval.vector_limit", vectorLimit),
		attribute.Int("retrieval.keywords", len(keywords)),
	)

	var facts []string
	var passages []vector.Passage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		facts, err = r.graphFacts(gctx, keywords, graphLimit)
		return err
	})
	g.Go(func() error {
		if vectorLimit <= 0 {
			return nil
		}
		var err error
		passages, err = r.vectors.Search(gctx, query, vectorLimit)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Evidence{}, err
	}

	slog.Debug("Retrieval attempt complete",
		"attempt", attempt,
		"graph_facts", len(facts),
		"passages", len(passages),
	)
	return Evidence{
		Graph:  RenderGraph(facts),
		Vector: r.RenderPassages(passages),
	}, nil
}

func (r *Retriever) graphFacts(ctx context.Context, keywords []string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var facts []string
	for _, kw := range keywords {
		rows, err := r.graph.Query(ctx, neighborhoodQuery, map[string]any{
			"query":    strings.ToLower(kw),
			"excluded": r.cfg.ExcludedRelationship,
			"limit":    int64(limit),
		})
		if err != nil {
			return nil, fmt.Errorf("graph query for %q failed: %w", kw, err)
		}
		if len(rows) > limit {
			rows = rows[:limit]
		}
		for _, row := range rows {
			if out, ok := row["output"].(string); ok {
				facts = append(facts, out)
			}
		}
	}
	return facts, nil
}

// RenderGraph joins facts one per line, or returns NoGraphData.
func RenderGraph(facts []string) string {
	out := strings.TrimSpace(strings.Join(facts, "\n"))
	if out == "" {
		return NoGraphData
	}
	return out
}

// RenderPassages renders each passage as a "# Document" section with its
// metadata sorted case-insensitively by key, or returns NoVectorData.
func (r *Retriever) RenderPassages(passages []vector.Passage) string {
	if len(passages) == 0 {
		return NoVectorData
	}
	docs := make([]string, 0, len(passages))
	for _, p := range passages {
		meta := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			if _, drop := r.dropped[k]; !drop {
				meta[k] = v
			}
		}
		lines := make([]string, 0, len(meta))
		for _, k := range vector.MetadataKeys(meta) {
			lines = append(lines, fmt.Sprintf("%s: \n%v", k, meta[k]))
		}
		doc := "# Document\n" + strings.Join(lines, "\n") + "\n" + strings.TrimSpace(p.Text)
		docs = append(docs, strings.TrimSpace(doc))
	}
	return strings.Join(docs, "\n\n")
}
