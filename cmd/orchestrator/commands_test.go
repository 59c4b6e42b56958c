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
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/budget"
)

func TestPrintStats(t *testing.T) {
	plan, err := budget.NewPlan(budget.CorpusStats{NodeCount: 900, RelationshipCount: 100, DocumentCount: 40}, 0.15, 0.15, 2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, plan, 0.15))

	out := buf.String()
	for _, want := range []string{"Nodes", "900", "Relationships", "100", "Embedded documents", "40"} {
		assert.Contains(t, out, want)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	assert.Regexp(t, `^Vector limit\s+6$`, lines[4])
	assert.Regexp(t, `^Graph limit \(attempt 1\)\s+75$`, lines[5])
	assert.Regexp(t, `^Graph limit \(attempt 2\)\s+150$`, lines[6])
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "orchestrator dev\n", buf.String())
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "stats", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestSetup_TagsLogsWithVersion(t *testing.T) {
	logDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  dir: "+logDir+"\n  level: info\n"), 0o600))

	prevPath, prevLogger := configPath, slog.Default()
	t.Cleanup(func() {
		configPath = prevPath
		slog.SetDefault(prevLogger)
	})
	configPath = path

	_, logger, err := setup("orchestrator-test")
	require.NoError(t, err)
	slog.Info("setup complete")
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(logDir, "orchestrator-test_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version":"dev"`)
	assert.Contains(t, string(data), `"service":"orchestrator-test"`)
}
