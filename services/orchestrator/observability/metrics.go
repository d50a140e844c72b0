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
// Metrics cover:
//   - Turns (by mode and outcome, with duration)
//   - Graph node executions (by node and outcome, with duration)
//   - Context worker outcomes (by worker and outcome, with duration)
//   - Active turn streams and client disconnects (by transport)
//   - Tool approval decisions
//
// Metrics implements graph.Recorder and pipeline.Recorder.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint next to the otel
// instruments bridged by the telemetry package.
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

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for orchestrator metrics
const agentSubsystem = "agent"

// Metrics holds all Prometheus collectors of the orchestrator.
//
// # Fields
//
//   - TurnsTotal: Counter of turns by mode and outcome
//   - TurnDurationSeconds: Histogram of turn duration by mode
//   - NodeExecutionsTotal: Counter of node executions by node and outcome
//   - NodeDurationSeconds: Histogram of node duration by node
//   - WorkerOutcomesTotal: Counter of worker attempts by worker and outcome
//   - WorkerDurationSeconds: Histogram of worker attempt duration
//   - ActiveStreams: Gauge of turns currently streaming, by transport
//   - ClientDisconnectsTotal: Counter of consumers that left mid-turn
//   - ApprovalsTotal: Counter of tool approval decisions
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: mode (chat, search, search_agentic, agent), outcome (done, error, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures turns end to end.
	// Labels: mode
	TurnDurationSeconds *prometheus.HistogramVec

	// NodeExecutionsTotal counts node executions.
	// Labels: node (router, chat, ...), outcome (continue, branch, final, error, failed)
	NodeExecutionsTotal *prometheus.CounterVec

	// NodeDurationSeconds measures single node executions.
	// Labels: node
	NodeDurationSeconds *prometheus.HistogramVec

	// WorkerOutcomesTotal counts context worker attempts.
	// Labels: worker (system, persona, ...), outcome (ok, skipped, retryable, execution_failed)
	WorkerOutcomesTotal *prometheus.CounterVec

	// WorkerDurationSeconds measures single worker attempts.
	// Labels: worker
	WorkerDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks turns currently streaming to a client.
	// Labels: transport (websocket, sse, cli)
	ActiveStreams *prometheus.GaugeVec

	// ClientDisconnectsTotal counts consumers that detached mid-turn.
	// Labels: transport
	ClientDisconnectsTotal *prometheus.CounterVec

	// ApprovalsTotal counts tool approval outcomes.
	// Labels: tool, decision (approved, denied, unknown_request)
	ApprovalsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the collectors with the default Prometheus
// registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates the collectors and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turns_total",
				Help:      "Total turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		NodeExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "node_executions_total",
				Help:      "Total graph node executions by node and outcome",
			},
			[]string{"node", "outcome"},
		),

		NodeDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "node_duration_seconds",
				Help:      "Graph node execution time in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"node"},
		),

		WorkerOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "worker_outcomes_total",
				Help:      "Total context worker attempts by worker and outcome",
			},
			[]string{"worker", "outcome"},
		),

		WorkerDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "worker_duration_seconds",
				Help:      "Context worker attempt time in seconds",
				Buckets:   []float64{0.0005, 0.005, 0.05, 0.25, 1, 5},
			},
			[]string{"worker"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "active_streams",
				Help:      "Number of turns currently streaming to a client",
			},
			[]string{"transport"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total consumers that detached before the turn finished",
			},
			[]string{"transport"},
		),

		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "approvals_total",
				Help:      "Total tool approval decisions by tool and decision",
			},
			[]string{"tool", "decision"},
		),
	}
}

// =============================================================================
// Label values
// =============================================================================

// Transport labels a turn stream.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
	TransportCLI       Transport = "cli"
)

// Turn outcomes.
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// =============================================================================
// Recorders
// =============================================================================

// RecordNode records one graph node execution. Implements graph.Recorder.
func (m *Metrics) RecordNode(node, outcome string, d time.Duration) {
	m.NodeExecutionsTotal.WithLabelValues(node, outcome).Inc()
	m.NodeDurationSeconds.WithLabelValues(node).Observe(d.Seconds())
}

// RecordWorker records one context worker attempt. Implements
// pipeline.Recorder.
func (m *Metrics) RecordWorker(worker, outcome string, d time.Duration) {
	m.WorkerOutcomesTotal.WithLabelValues(worker, outcome).Inc()
	m.WorkerDurationSeconds.WithLabelValues(worker).Observe(d.Seconds())
}

// RecordTurn records a finished turn.
//
// # Inputs
//
//   - mode: The request mode.
//   - outcome: One of the Outcome constants.
//   - d: Wall time of the turn.
func (m *Metrics) RecordTurn(mode, outcome string, d time.Duration) {
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Dec()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect(t Transport) {
	m.ClientDisconnectsTotal.WithLabelValues(string(t)).Inc()
}

// RecordApproval records a tool approval decision.
func (m *Metrics) RecordApproval(tool string, approved bool) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.ApprovalsTotal.WithLabelValues(tool, decision).Inc()
}

// RecordUnknownApproval counts answers to requests that no longer exist.
func (m *Metrics) RecordUnknownApproval() {
	m.ApprovalsTotal.WithLabelValues("", "unknown_request").Inc()
}
