// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph talks to the Neo4j knowledge graph that backs retrieval.
//
// Retrieval code depends on the small Querier interface so the Neo4j driver
// never leaks past this package.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/budget"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const serviceName = "graph"

var tracer = otel.Tracer("sc2editor.graph")

// Row is one result record keyed by column name.
type Row map[string]any

// Querier runs a read-only pattern query and returns its rows.
type Querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error)
}

// Config holds the Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

// Neo4jClient is a Querier backed by the official Neo4j driver.
type Neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
}

// NewNeo4jClient opens a driver and verifies connectivity.
func NewNeo4jClient(ctx context.Context, cfg Config) (*Neo4jClient, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, wrapNeo4jError("connect", err)
	}
	slog.Info("Connected to Neo4j", "uri", cfg.URI, "database", cfg.Database)
	return &Neo4jClient{driver: driver, database: cfg.Database, timeout: cfg.Timeout}, nil
}

// Query executes cypher against a reader and materialises every record.
func (c *Neo4jClient) Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "graph.Query")
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if c.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(c.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, c.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, wrapNeo4jError("query", err)
	}

	rows := make([]Row, 0, len(result.Records))
	for _, record := range result.Records {
		rows = append(rows, Row(record.AsMap()))
	}
	span.SetAttributes(attribute.Int("graph.rows", len(rows)))
	return rows, nil
}

// Ping reports whether the database is reachable.
func (c *Neo4jClient) Ping(ctx context.Context) error {
	return wrapNeo4jError("ping", c.driver.VerifyConnectivity(ctx))
}

// Close releases the driver's connection pool.
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func wrapNeo4jError(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := upstream.Classify(err)
	if kind == upstream.KindUnknown {
		kind = neo4jKind(err)
	}
	return &upstream.ServiceError{Service: serviceName, Op: op, Kind: kind, Err: err}
}

func neo4jKind(err error) upstream.Kind {
	if neo4j.IsConnectivityError(err) {
		return upstream.KindUnavailable
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		switch neoErr.Classification() {
		case "ClientError":
			if neoErr.Category() == "Security" {
				return upstream.KindPermissionDenied
			}
			return upstream.KindInvalidArgument
		case "TransientError":
			return upstream.KindUnavailable
		case "DatabaseError":
			return upstream.KindInternal
		}
	}
	return upstream.KindUnknown
}

// Statistics queries. Counts come back as int64 from the driver.
const (
	nodeCountQuery         = "MATCH (n) RETURN count(n) AS TotalNodes"
	relationshipCountQuery = "MATCH ()-[r]->() RETURN count(r) AS TotalRelationships"
	documentCountQueryFmt  = "MATCH (d:%s) WHERE d.embedding IS NOT NULL RETURN count(d) AS EmbeddingText"
)

// LoadCorpusStats measures the corpus the retrieval budgets are derived
// from. documentLabel is the label of the embedded document nodes.
func LoadCorpusStats(ctx context.Context, q Querier, documentLabel string) (budget.CorpusStats, error) {
	if documentLabel == "" {
		documentLabel = "Document"
	}
	var stats budget.CorpusStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := countQuery(gctx, q, nodeCountQuery, "TotalNodes")
		stats.NodeCount = n
		return err
	})
	g.Go(func() error {
		n, err := countQuery(gctx, q, relationshipCountQuery, "TotalRelationships")
		stats.RelationshipCount = n
		return err
	})
	g.Go(func() error {
		n, err := countQuery(gctx, q, fmt.Sprintf(documentCountQueryFmt, documentLabel), "EmbeddingText")
		stats.DocumentCount = n
		return err
	})
	if err := g.Wait(); err != nil {
		return budget.CorpusStats{}, fmt.Errorf("failed to load corpus statistics: %w", err)
	}
	return stats, nil
}

func countQuery(ctx context.Context, q Querier, cypher, column string) (int, error) {
	rows, err := q.Query(ctx, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, ok := toInt(rows[0][column])
	if !ok {
		return 0, fmt.Errorf("column %s has unexpected type %T", column, rows[0][column])
	}
	return n, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}
