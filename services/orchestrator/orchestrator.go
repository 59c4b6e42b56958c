// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the SC2 Editor AI answer service together.
//
// It owns the lifecycle of every long-lived component:
//
//	                ┌────────────────────────────┐
//	 HTTP ─────────►│ gin router (otelgin, rate  │
//	                │ limit, security headers)   │
//	                └─────────────┬──────────────┘
//	                              ▼
//	                ┌────────────────────────────┐     ┌──────────────┐
//	                │ Streaming session handler  │────►│ Conversation │◄── Sweeper
//	                └─────────────┬──────────────┘     │    Store     │
//	                              ▼                    └──────────────┘
//	                ┌────────────────────────────┐
//	                │ Answer engine              │──► model service
//	                └─────────────┬──────────────┘
//	                              ▼
//	                ┌────────────────────────────┐
//	                │ Evidence retriever + budget│──► Neo4j, Weaviate
//	                └────────────────────────────┘
//
// # Usage
//
//	cfg, err := config.Load("config.yaml")
//	svc, err := orchestrator.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx) // returns after ctx is cancelled and shutdown completes
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/SC2EditorAI/services/graph"
	"github.com/AleutianAI/SC2EditorAI/services/llm"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/budget"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/config"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/conversation"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/engine"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/handlers"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/middleware"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/observability"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/retrieval"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/routes"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/ttl"
	"github.com/AleutianAI/SC2EditorAI/services/vector"
)

const serviceName = "sc2editor-orchestrator"

// shutdownTimeout bounds HTTP draining and exporter flushing.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Thread Safety
//
// Run must be called at most once.
type Service interface {
	// Run serves HTTP and runs the conversation sweeper until ctx is
	// cancelled, then shuts everything down. It returns nil after a clean
	// shutdown triggered by ctx.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Stats returns the corpus statistics the retrieval budget was built from.
	Stats() budget.CorpusStats
}

// =============================================================================
// Dependencies
// =============================================================================

// GraphBackend is the graph store as the service uses it.
type GraphBackend interface {
	graph.Querier
	Ping(ctx context.Context) error
}

// VectorBackend is the vector index as the service uses it.
type VectorBackend interface {
	vector.Searcher
	Ping(ctx context.Context) error
}

// Dependencies are the external clients a Service runs on. New builds them
// from config; tests pass fakes to NewWithDependencies.
type Dependencies struct {
	Model  llm.LLMClient
	Graph  GraphBackend
	Vector VectorBackend

	// Closers run at shutdown in reverse order.
	Closers []func(ctx context.Context) error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config  config.Config
	deps    Dependencies
	router  *gin.Engine
	store   *conversation.Store
	sweeper ttl.Sweeper
	stats   budget.CorpusStats
	closeMu sync.Mutex
	closed  bool
}

// New connects to the model, graph and vector services named in cfg and
// assembles the Service. Tracing is installed first when an OTLP endpoint is
// configured.
func New(ctx context.Context, cfg config.Config) (Service, error) {
	var closers []func(context.Context) error
	fail := func(err error) (Service, error) {
		runClosers(closers)
		return nil, err
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := initTracer(ctx, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		closers = append(closers, shutdown)
	}

	model, err := newModelClient(ctx, cfg.LLM)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize model client: %w", err))
	}

	neo, err := graph.NewNeo4jClient(ctx, graphConfig(cfg.Graph))
	if err != nil {
		return fail(fmt.Errorf("failed to connect to graph store: %w", err))
	}
	closers = append(closers, neo.Close)

	searcher, err := vector.NewWeaviateSearcher(vectorConfig(cfg.Vector))
	if err != nil {
		return fail(fmt.Errorf("failed to initialize vector index client: %w", err))
	}

	if cfg.Telemetry.MetricsEnabled {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	svc, err := NewWithDependencies(ctx, cfg, Dependencies{
		Model:   model,
		Graph:   neo,
		Vector:  searcher,
		Closers: closers,
	})
	if err != nil {
		return fail(err)
	}
	return svc, nil
}

// NewWithDependencies assembles a Service over existing clients. Metrics are
// taken from observability.DefaultMetrics and may be absent.
//
// Corpus statistics are loaded once here; the retrieval budget is fixed for
// the life of the Service.
func NewWithDependencies(ctx context.Context, cfg config.Config, deps Dependencies) (Service, error) {
	if deps.Model == nil || deps.Graph == nil || deps.Vector == nil {
		return nil, errors.New("orchestrator: model, graph and vector dependencies are required")
	}

	stats, err := graph.LoadCorpusStats(ctx, deps.Graph, cfg.Graph.DocumentLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus statistics: %w", err)
	}
	rate := cfg.LLM.MaximumInformationAcquisitionRate
	plan, err := budget.NewPlan(stats, rate, rate, cfg.LLM.MaximumRetrieverAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to build retrieval budget: %w", err)
	}
	slog.Info("Retrieval budget ready",
		"nodes", stats.NodeCount,
		"relationships", stats.RelationshipCount,
		"documents", stats.DocumentCount,
		"vector_limit", plan.VectorLimit(),
		"graph_limit_final_attempt", plan.GraphLimit(plan.MaxAttempts()),
	)

	retriever := retrieval.New(deps.Graph, deps.Vector, plan, retrieval.Config{
		ExcludedRelationship: cfg.Graph.ExcludedRelationship,
		DroppedMetadata:      cfg.Vector.DroppedMetadata,
	})

	metrics := observability.DefaultMetrics
	var engineObserver engine.Observer
	var sweepObserver ttl.SweepObserver
	if metrics != nil {
		engineObserver = metrics
		sweepObserver = metrics
	}

	eng, err := engine.New(deps.Model, retriever, engine.NewCheckpointSaver(), engineObserver, engine.Config{
		MaxRetrieverAttempts: cfg.LLM.MaximumRetrieverAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build answer engine: %w", err)
	}

	store := conversation.NewStore()
	s := &service{
		config: cfg,
		deps:   deps,
		store:  store,
		stats:  stats,
		sweeper: ttl.NewSweeper(store, sweepObserver, ttl.SweeperConfig{
			Period:  cfg.Session.CleanupPeriodDuration(),
			Timeout: cfg.Session.ConversationTimeoutDuration(),
		}),
	}

	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	routes.SetupRoutes(s.router, routes.Handlers{
		Chat: handlers.NewStreamingChatHandler(eng, store, metrics, handlers.StreamingConfig{
			InitialDelay:  cfg.Session.InitialDelay,
			FragmentDelay: cfg.Session.FragmentDelay,
			APITimeout:    cfg.Session.APITimeout,
		}),
		Conversations: handlers.NewConversationHandler(store),
		Health:        handlers.NewHealthHandler(true, deps.Graph, deps.Vector, store.Len),
		RateLimit: middleware.RateLimitConfig{
			PerMinute: cfg.Server.RateLimitPerMinute,
			Burst:     cfg.Server.RateLimitBurst,
		},
		MetricsEnabled: metrics != nil,
	})
	return s, nil
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Stats() budget.CorpusStats { return s.stats }

func (s *service) Run(ctx context.Context) error {
	defer s.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting orchestrator server", "port", s.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down orchestrator server")
		s.sweeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *service) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	runClosers(s.deps.Closers)
}

func runClosers(closers []func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			slog.Warn("Shutdown step failed", "error", err)
		}
	}
}

// =============================================================================
// Component Construction
// =============================================================================

func graphConfig(cfg config.GraphConfig) graph.Config {
	return graph.Config{
		URI:      cfg.URI,
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
		Timeout:  cfg.Timeout,
	}
}

func vectorConfig(cfg config.VectorConfig) vector.Config {
	return vector.Config{
		URL:                cfg.URL,
		ClassName:          cfg.Class,
		TextProperty:       cfg.TextProperty,
		MetadataProperties: cfg.MetadataProperties,
		Alpha:              cfg.Alpha,
		Timeout:            cfg.Timeout,
	}
}

// newModelClient picks the model backend.
func newModelClient(ctx context.Context, cfg config.LLMConfig) (llm.LLMClient, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		slog.Info("Using OpenAI-compatible model backend", "model", cfg.Model, "base_url", cfg.BaseURL)
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.BackendGemini:
		slog.Info("Using Gemini model backend", "model", cfg.Model)
		return llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.BackendOllama:
		slog.Info("Using Ollama model backend", "model", cfg.Model, "base_url", cfg.BaseURL)
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}

// initTracer installs an OTLP/gRPC trace exporter as the global provider.
// The returned function flushes and shuts it down.
func initTracer(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("Tracing enabled", "endpoint", endpoint)
	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		return conn.Close()
	}, nil
}

var _ Service = (*service)(nil)
