// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SC2EditorAI/pkg/logging"
	"github.com/AleutianAI/SC2EditorAI/services/graph"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/budget"
	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/config"
)

// --- Global Command Variables ---
var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "StarCraft II Editor AI answer service",
		Long: `orchestrator answers StarCraft II Editor questions by routing each
prompt, retrieving graph and vector evidence under a budget, and streaming
the answer over server-sent events.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service until interrupted",
		RunE:  runServe,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print corpus statistics and the retrieval budgets derived from them",
		RunE:  runStats,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, statsCmd, versionCmd)
}

// setup loads config and installs the process logger. The returned logger
// must be closed.
func setup(service string) (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: service,
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(logger.With("version", version).Slog())
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("orchestrator")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting SC2 Editor AI orchestrator",
		"version", version,
		"port", cfg.Server.Port,
		"llm_backend", cfg.LLM.Backend,
		"llm_model", cfg.LLM.Model,
		"graph_uri", cfg.Graph.URI,
		"vector_url", cfg.Vector.URL,
	)

	svc, err := orchestrator.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		return err
	}
	if err := svc.Run(ctx); err != nil {
		slog.Error("Orchestrator error", "error", err)
		return err
	}
	slog.Info("Orchestrator stopped")
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup("orchestrator-stats")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := graph.NewNeo4jClient(ctx, graph.Config{
		URI:      cfg.Graph.URI,
		Username: cfg.Graph.Username,
		Password: cfg.Graph.Password,
		Database: cfg.Graph.Database,
		Timeout:  cfg.Graph.Timeout,
	})
	if err != nil {
		return err
	}
	defer client.Close(context.WithoutCancel(ctx))

	stats, err := graph.LoadCorpusStats(ctx, client, cfg.Graph.DocumentLabel)
	if err != nil {
		return err
	}
	rate := cfg.LLM.MaximumInformationAcquisitionRate
	plan, err := budget.NewPlan(stats, rate, rate, cfg.LLM.MaximumRetrieverAttempts)
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), plan, rate)
}

// printStats writes the corpus counts and every attempt's graph budget.
func printStats(w io.Writer, plan *budget.Plan, rate float64) error {
	stats := plan.Stats()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Nodes\t%d\n", stats.NodeCount)
	fmt.Fprintf(tw, "Relationships\t%d\n", stats.RelationshipCount)
	fmt.Fprintf(tw, "Embedded documents\t%d\n", stats.DocumentCount)
	fmt.Fprintf(tw, "Acquisition rate\t%g\n", rate)
	fmt.Fprintf(tw, "Vector limit\t%d\n", plan.VectorLimit())
	for attempt := 1; attempt <= plan.MaxAttempts(); attempt++ {
		fmt.Fprintf(tw, "Graph limit (attempt %d)\t%d\n", attempt, plan.GraphLimit(attempt))
	}
	return tw.Flush()
}
