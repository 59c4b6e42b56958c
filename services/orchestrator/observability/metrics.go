// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover three areas:
//   - Streaming: requests, fragments, time to first fragment, stream duration,
//     active streams, errors by kind and client disconnects
//   - Engine: per-state latency and failures, terminal states, retrieval attempts
//   - Conversations: stored conversation count and sweeper evictions
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. *Metrics satisfies the
// engine's Observer and the sweeper's SweepObserver interfaces.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "sc2editor"

const (
	streamingSubsystem    = "streaming"
	engineSubsystem       = "engine"
	conversationSubsystem = "conversations"
)

// Metrics holds every collector the orchestrator exports.
type Metrics struct {
	// RequestsTotal counts turn submissions. Labels: endpoint, status.
	RequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts fragment events written. Labels: endpoint.
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures latency from submission to the
	// first fragment. Labels: endpoint.
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration. Labels: endpoint, status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open streams. Labels: endpoint.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts error events. Labels: endpoint, error_code.
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts streams cut short by the client. Labels: endpoint.
	ClientDisconnectsTotal *prometheus.CounterVec

	// StateDurationSeconds measures each engine state. Labels: state, status.
	StateDurationSeconds *prometheus.HistogramVec

	// TurnsTotal counts finished turns by terminal state. Labels: terminal.
	TurnsTotal *prometheus.CounterVec

	// RetrieverAttempts records the attempt counter at the end of each turn.
	RetrieverAttempts prometheus.Histogram

	// ActiveConversations is the number of stored conversations after the last sweep.
	ActiveConversations prometheus.Gauge

	// EvictionsTotal counts conversations removed by the sweeper.
	EvictionsTotal prometheus.Counter

	// SweepDurationSeconds measures each sweep.
	SweepDurationSeconds prometheus.Histogram
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the collectors with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration). Tests should use
//     NewMetrics with a fresh registry.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of turn submissions by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total answer fragments streamed to clients",
			},
			[]string{"endpoint"},
		),

		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from submission to first fragment in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total error events by endpoint and failure kind",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		StateDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "state_duration_seconds",
				Help:      "Time spent in each engine state",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"state", "status"},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "turns_total",
				Help:      "Finished turns by terminal state",
			},
			[]string{"terminal"},
		),

		RetrieverAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "retriever_attempts",
				Help:      "Retriever attempt counter at the end of each turn",
				Buckets:   []float64{0, 1, 2, 3, 4, 5},
			},
		),

		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "active",
				Help:      "Stored conversations after the last sweep",
			},
		),

		EvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "evictions_total",
				Help:      "Conversations evicted for inactivity",
			},
		),

		SweepDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationSubsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of each eviction sweep",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
			},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Endpoint identifies a streaming endpoint.
type Endpoint string

const (
	// EndpointChatStream is the turn submission endpoint.
	EndpointChatStream Endpoint = "chat_stream"
)

// =============================================================================
// Recording Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError counts an error event; code is the upstream failure kind.
func (m *Metrics) RecordError(endpoint Endpoint, code string) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), code).Inc()
}

func (m *Metrics) RecordFragment(endpoint Endpoint) {
	m.FragmentsTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

func (m *Metrics) RecordTimeToFirstFragment(endpoint Endpoint, seconds float64) {
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// ObserveState records one engine state execution.
func (m *Metrics) ObserveState(state string, duration time.Duration, err error) {
	m.StateDurationSeconds.WithLabelValues(state, statusLabel(err == nil)).Observe(duration.Seconds())
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(terminal string, attempts int) {
	m.TurnsTotal.WithLabelValues(terminal).Inc()
	m.RetrieverAttempts.Observe(float64(attempts))
}

// ObserveSweep records one sweeper pass.
func (m *Metrics) ObserveSweep(evicted, remaining int, duration time.Duration) {
	m.EvictionsTotal.Add(float64(evicted))
	m.ActiveConversations.Set(float64(remaining))
	m.SweepDurationSeconds.Observe(duration.Seconds())
}
