// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator's configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML file (config.yaml by default)
//  3. SC2_* environment variables
//
// Secrets left empty after that are read from /run/secrets/<name> when the
// file exists. The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// secretsDir holds Docker/Podman secret files.
var secretsDir = "/run/secrets"

// Backend names accepted in llm.backend.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendOllama = "ollama"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Graph     GraphConfig     `yaml:"graph"`
	Vector    VectorConfig    `yaml:"vector"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port               int    `yaml:"port"`
	GinMode            string `yaml:"gin_mode"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
}

type LLMConfig struct {
	// Backend is one of openai, gemini, ollama.
	Backend string        `yaml:"backend"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// MaximumInformationAcquisitionRate is the share of the corpus one turn
	// may pull across all attempts, in [0, 1].
	MaximumInformationAcquisitionRate float64 `yaml:"maximum_information_acquisition_rate"`
	MaximumRetrieverAttempts          int     `yaml:"maximum_retriever_attempts"`
}

type GraphConfig struct {
	URI                  string `yaml:"uri"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	Database             string `yaml:"database"`
	ExcludedRelationship string `yaml:"excluded_relationship"`
	DocumentLabel        string `yaml:"document_label"`
	// Timeout bounds one graph query. Zero disables the bound.
	Timeout time.Duration `yaml:"timeout"`
}

type VectorConfig struct {
	URL                string   `yaml:"url"`
	Class              string   `yaml:"class"`
	TextProperty       string   `yaml:"text_property"`
	MetadataProperties []string `yaml:"metadata_properties"`
	DroppedMetadata    []string `yaml:"dropped_metadata"`
	Alpha              float32  `yaml:"alpha"`
	// Timeout bounds one search. Zero disables the bound.
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	// ConversationTimeout is in minutes.
	ConversationTimeout int `yaml:"conversation_timeout"`
	// CleanupPeriod is in seconds.
	CleanupPeriod int           `yaml:"cleanup_period"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	FragmentDelay time.Duration `yaml:"fragment_delay"`
	// APITimeout bounds one turn's upstream calls. Zero disables the bound.
	APITimeout time.Duration `yaml:"api_timeout"`
}

// ConversationTimeoutDuration returns ConversationTimeout as a duration.
func (s SessionConfig) ConversationTimeoutDuration() time.Duration {
	return time.Duration(s.ConversationTimeout) * time.Minute
}

// CleanupPeriodDuration returns CleanupPeriod as a duration.
func (s SessionConfig) CleanupPeriodDuration() time.Duration {
	return time.Duration(s.CleanupPeriod) * time.Second
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// OTLPEndpoint enables trace export over gRPC when set.
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               12210,
			GinMode:            "release",
			RateLimitPerMinute: 30,
			RateLimitBurst:     5,
		},
		LLM: LLMConfig{
			Backend:                           BackendGemini,
			Model:                             "gemini-2.0-flash",
			Timeout:                           120 * time.Second,
			MaximumInformationAcquisitionRate: 0.15,
			MaximumRetrieverAttempts:          2,
		},
		Graph: GraphConfig{
			URI:                  "neo4j://localhost:7687",
			Username:             "neo4j",
			ExcludedRelationship: "MENTIONS",
			DocumentLabel:        "Document",
			Timeout:              30 * time.Second,
		},
		Vector: VectorConfig{
			URL:                "http://localhost:8080",
			Class:              "Document",
			TextProperty:       "text",
			MetadataProperties: []string{"category", "filename", "languages", "filetype", "source"},
			DroppedMetadata:    []string{"source", "languages", "filetype"},
			Alpha:              0.5,
			Timeout:            30 * time.Second,
		},
		Session: SessionConfig{
			ConversationTimeout: 60,
			CleanupPeriod:       60,
			InitialDelay:        100 * time.Millisecond,
			FragmentDelay:       20 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// secrets, and validates. A missing DefaultPath is not an error; a missing
// explicitly named file is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		slog.Info("No config file found, using defaults", "path", path)
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// labelPattern matches a Cypher label that can be interpolated unquoted.
var labelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_per_minute must be >= 0, got %d", c.Server.RateLimitPerMinute))
	}
	switch c.LLM.Backend {
	case BackendOpenAI, BackendGemini, BackendOllama:
	default:
		errs = append(errs, fmt.Errorf("llm.backend must be one of openai, gemini, ollama, got %q", c.LLM.Backend))
	}
	if r := c.LLM.MaximumInformationAcquisitionRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("llm.maximum_information_acquisition_rate must be in [0, 1], got %v", r))
	}
	if c.LLM.MaximumRetrieverAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm.maximum_retriever_attempts must be >= 1, got %d", c.LLM.MaximumRetrieverAttempts))
	}
	if c.Session.ConversationTimeout < 1 {
		errs = append(errs, fmt.Errorf("session.conversation_timeout must be >= 1 minute, got %d", c.Session.ConversationTimeout))
	}
	if c.Session.CleanupPeriod < 1 {
		errs = append(errs, fmt.Errorf("session.cleanup_period must be >= 1 second, got %d", c.Session.CleanupPeriod))
	}
	if c.Session.InitialDelay < 0 || c.Session.FragmentDelay < 0 || c.Session.APITimeout < 0 {
		errs = append(errs, errors.New("session delays and api_timeout must not be negative"))
	}
	if c.Vector.Alpha < 0 || c.Vector.Alpha > 1 {
		errs = append(errs, fmt.Errorf("vector.alpha must be in [0, 1], got %v", c.Vector.Alpha))
	}
	if c.Graph.Timeout < 0 || c.Vector.Timeout < 0 {
		errs = append(errs, errors.New("graph.timeout and vector.timeout must not be negative"))
	}
	if !labelPattern.MatchString(c.Graph.DocumentLabel) {
		errs = append(errs, fmt.Errorf("graph.document_label must be a plain identifier, got %q", c.Graph.DocumentLabel))
	}
	if c.Graph.URI == "" {
		errs = append(errs, errors.New("graph.uri is required"))
	}
	if c.Vector.URL == "" {
		errs = append(errs, errors.New("vector.url is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

func applyEnv(cfg *Config) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setInt("SC2_PORT", &cfg.Server.Port)
	cfg.Server.GinMode = getEnvString("SC2_GIN_MODE", cfg.Server.GinMode)
	setInt("SC2_RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)
	setInt("SC2_RATE_LIMIT_BURST", &cfg.Server.RateLimitBurst)

	cfg.LLM.Backend = strings.ToLower(getEnvString("SC2_LLM_BACKEND", cfg.LLM.Backend))
	cfg.LLM.Model = getEnvString("SC2_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnvString("SC2_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnvString("SC2_LLM_API_KEY", cfg.LLM.APIKey)
	setDuration("SC2_LLM_TIMEOUT", &cfg.LLM.Timeout)
	setFloat("SC2_MAXIMUM_INFORMATION_ACQUISITION_RATE", &cfg.LLM.MaximumInformationAcquisitionRate)
	setInt("SC2_MAXIMUM_RETRIEVER_ATTEMPTS", &cfg.LLM.MaximumRetrieverAttempts)

	cfg.Graph.URI = getEnvString("SC2_GRAPH_URI", cfg.Graph.URI)
	cfg.Graph.Username = getEnvString("SC2_GRAPH_USERNAME", cfg.Graph.Username)
	cfg.Graph.Password = getEnvString("SC2_GRAPH_PASSWORD", cfg.Graph.Password)
	cfg.Graph.Database = getEnvString("SC2_GRAPH_DATABASE", cfg.Graph.Database)
	cfg.Graph.DocumentLabel = getEnvString("SC2_GRAPH_DOCUMENT_LABEL", cfg.Graph.DocumentLabel)
	setDuration("SC2_GRAPH_TIMEOUT", &cfg.Graph.Timeout)

	cfg.Vector.URL = getEnvString("SC2_VECTOR_URL", cfg.Vector.URL)
	cfg.Vector.Class = getEnvString("SC2_VECTOR_CLASS", cfg.Vector.Class)
	setDuration("SC2_VECTOR_TIMEOUT", &cfg.Vector.Timeout)

	setInt("SC2_CONVERSATION_TIMEOUT", &cfg.Session.ConversationTimeout)
	setInt("SC2_CLEANUP_PERIOD", &cfg.Session.CleanupPeriod)
	setDuration("SC2_API_TIMEOUT", &cfg.Session.APITimeout)

	cfg.Logging.Level = getEnvString("SC2_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Dir = getEnvString("SC2_LOG_DIR", cfg.Logging.Dir)
	setBool("SC2_LOG_JSON", &cfg.Logging.JSON)

	cfg.Telemetry.OTLPEndpoint = getEnvString("SC2_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	setBool("SC2_METRICS_ENABLED", &cfg.Telemetry.MetricsEnabled)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// =============================================================================
// Secrets
// =============================================================================

func applySecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = readSecret("llm_api_key")
	}
	if cfg.Graph.Password == "" {
		cfg.Graph.Password = readSecret("graph_password")
	}
}

func readSecret(name string) string {
	content, err := os.ReadFile(filepath.Join(secretsDir, name))
	if err != nil {
		return ""
	}
	slog.Info("Read secret from file", "name", name)
	return strings.TrimSpace(string(content))
}
