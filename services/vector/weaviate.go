// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector runs hybrid passage search against the Weaviate index that
// holds the embedded editor documentation.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const serviceName = "vector"

var tracer = otel.Tracer("sc2editor.vector")

// Passage is one retrieved chunk of text with its stored metadata.
type Passage struct {
	Text     string
	Metadata map[string]any
}

// Searcher returns up to k passages relevant to query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Config describes the Weaviate collection to search.
type Config struct {
	URL string
	// ClassName is the collection holding the passages.
	ClassName string
	// TextProperty holds the passage body; every other property in
	// MetadataProperties is returned as metadata.
	TextProperty       string
	MetadataProperties []string
	// Alpha weights vector similarity against keyword matching; 1 is pure vector.
	Alpha   float32
	Timeout time.Duration
}

// WeaviateSearcher is a Searcher backed by the Weaviate GraphQL API.
type WeaviateSearcher struct {
	client *weaviate.Client
	cfg    Config
}

// NewWeaviateSearcher builds a client from cfg.URL.
func NewWeaviateSearcher(cfg Config) (*WeaviateSearcher, error) {
	parsed, err := url.Parse(strings.Trim(cfg.URL, "\"' "))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	if cfg.ClassName == "" {
		return nil, fmt.Errorf("weaviate class name is required")
	}
	if cfg.TextProperty == "" {
		cfg.TextProperty = "text"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	slog.Info("Weaviate searcher configured", "host", parsed.Host, "class", cfg.ClassName)
	return &WeaviateSearcher{client: client, cfg: cfg}, nil
}

// Search runs a hybrid query. A k of zero returns no passages without
// contacting the index.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "vector.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("vector.k", k))

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	fields := make([]graphql.Field, 0, len(s.cfg.MetadataProperties)+1)
	fields = append(fields, graphql.Field{Name: s.cfg.TextProperty})
	for _, p := range s.cfg.MetadataProperties {
		fields = append(fields, graphql.Field{Name: p})
	}

	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(s.cfg.Alpha)

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.cfg.ClassName).
		WithFields(fields...).
		WithHybrid(hybrid).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, wrapWeaviateError("search", err)
	}

	passages, err := parsePassages(resp, s.cfg.ClassName, s.cfg.TextProperty)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad response")
		return nil, &upstream.ServiceError{Service: serviceName, Op: "search", Kind: upstream.KindInternal, Err: err}
	}
	span.SetAttributes(attribute.Int("vector.passages", len(passages)))
	return passages, nil
}

// Ping reports whether the Weaviate node is live.
func (s *WeaviateSearcher) Ping(ctx context.Context) error {
	live, err := s.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return wrapWeaviateError("ping", err)
	}
	if !live {
		return &upstream.ServiceError{Service: serviceName, Op: "ping", Kind: upstream.KindUnavailable, Err: errors.New("weaviate is not live")}
	}
	return nil
}

// parsePassages pulls Get.<class>[] out of a GraphQL response.
func parsePassages(resp *models.GraphQLResponse, className, textProperty string) ([]Passage, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	items, ok := get[className].([]any)
	if !ok {
		return nil, nil
	}

	passages := make([]Passage, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := Passage{Metadata: map[string]any{}}
		for key, value := range obj {
			switch {
			case key == textProperty:
				p.Text, _ = value.(string)
			case key == "_additional", value == nil:
			default:
				p.Metadata[key] = value
			}
		}
		passages = append(passages, p)
	}
	return passages, nil
}

func wrapWeaviateError(op string, err error) error {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode > 0 {
		return &upstream.ServiceError{Service: serviceName, Op: op, Kind: upstream.FromHTTPStatus(clientErr.StatusCode), Err: err}
	}
	kind := upstream.Classify(err)
	if kind == upstream.KindUnknown {
		kind = upstream.KindUnavailable
	}
	return &upstream.ServiceError{Service: serviceName, Op: op, Kind: kind, Err: err}
}

// MetadataKeys returns the keys of m sorted case-insensitively.
func MetadataKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		li, lj := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if li == lj {
			return keys[i] < keys[j]
		}
		return li < lj
	})
	return keys
}
