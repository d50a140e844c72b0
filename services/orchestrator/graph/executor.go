// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
)

var (
	tracer = otel.Tracer("aleutian.orchestrator.graph")
	meter  = otel.Meter("aleutian.orchestrator.graph")
)

// Recorder receives per-node outcomes. Implemented by the metrics package.
type Recorder interface {
	RecordNode(node, outcome string, d time.Duration)
}

// Result summarises one successful or failed run.
type Result struct {
	Steps    int
	Trace    []string
	Duration time.Duration
}

// Executor walks a Graph for one turn at a time.
//
// Description:
//
//	Executor positions itself at the entry node, executes it, resolves the
//	next node from the returned Outcome and repeats until a node returns
//	Final or Error, an edge cannot be resolved, or the step budget is
//	exhausted. Nodes run strictly one after another. There are no retries.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Each Run owns its AgentState.
type Executor struct {
	graph    *Graph
	logger   *slog.Logger
	recorder Recorder

	// Metrics (initialized lazily)
	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeFailures metric.Int64Counter
	activeTurns  metric.Int64UpDownCounter
	turnSteps    metric.Int64Histogram
}

// NewExecutor creates a new graph executor.
//
// Inputs:
//
//	g - The graph to execute. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if g is nil.
func NewExecutor(g *Graph, logger *slog.Logger) (*Executor, error) {
	if g == nil {
		return nil, errors.New("graph is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: g, logger: logger}, nil
}

// WithRecorder attaches a node outcome recorder.
func (e *Executor) WithRecorder(r Recorder) *Executor {
	e.recorder = r
	return e
}

// Graph returns the executed graph.
func (e *Executor) Graph() *Graph { return e.graph }

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("graph_node_duration_seconds",
			metric.WithDescription("Time spent executing each graph node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("graph_node_failure_total",
			metric.WithDescription("Number of node executions that failed the turn"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeTurns, err = meter.Int64UpDownCounter("graph_active_turns",
			metric.WithDescription("Number of turns currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_turns: "+err.Error())
		}

		e.turnSteps, err = meter.Int64Histogram("graph_turn_steps",
			metric.WithDescription("Node transitions taken per turn"),
		)
		if err != nil {
			initErrors = append(initErrors, "turn_steps: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some graph metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the graph against st.
//
// Description:
//
//	On success the turn's answer is whatever the nodes wrote to st's output;
//	an empty output is recorded if a Final node wrote none. On failure the
//	returned error is a *GraphError whose trace holds every node visited,
//	in order, and st's error is set to its message.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancelling it abandons the turn.
//	st - Turn state, mutated in place.
//	tc - Per-turn collaborators passed to every node.
//
// Outputs:
//
//	*Result - Steps taken, trace and duration. Returned on failure too.
//	error - *GraphError on failure.
func (e *Executor) Run(ctx context.Context, st *state.AgentState, tc *TurnContext) (*Result, error) {
	e.initMetrics()

	if timeout := e.graph.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "graph.Turn",
		trace.WithAttributes(
			attribute.String("graph.name", e.graph.Name()),
			attribute.String("graph.turn_id", st.TurnID),
			attribute.String("graph.session_id", st.SessionID),
			attribute.String("graph.mode", st.Mode.String()),
		),
	)
	defer span.End()

	if e.activeTurns != nil {
		e.activeTurns.Add(ctx, 1)
		defer e.activeTurns.Add(ctx, -1)
	}

	start := time.Now()
	res := &Result{}
	current := e.graph.Entry()

	fail := func(nodeID, msg string, cause error) (*Result, error) {
		res.Duration = time.Since(start)
		gerr := &GraphError{
			NodeID:  nodeID,
			Message: msg,
			Trace:   append([]string(nil), res.Trace...),
			Err:     cause,
		}
		st.SetError(msg)
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", nodeID)))
		}
		span.RecordError(gerr)
		span.SetStatus(codes.Error, msg)
		e.logger.Error("turn failed",
			slog.String("turn_id", st.TurnID),
			slog.String("node", nodeID),
			slog.String("error", msg),
			slog.Any("trace", gerr.Trace),
		)
		return res, gerr
	}

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fail(current, ErrExecutionTimeout.Error(), ErrExecutionTimeout)
			}
			return fail(current, ErrTurnCancelled.Error(), fmt.Errorf("%w: %w", ErrTurnCancelled, err))
		}

		node, ok := e.graph.Node(current)
		if !ok {
			return fail(current, fmt.Sprintf("node %q is not registered", current), ErrNodeNotFound)
		}
		res.Trace = append(res.Trace, current)

		outcome, err := e.executeNode(ctx, node, st, tc)
		if err != nil {
			return fail(current, err.Error(), err)
		}

		var next string
		switch outcome.Kind {
		case OutcomeError:
			return fail(current, outcome.Message, nil)

		case OutcomeFinal:
			if !st.IsTerminal() {
				st.SetOutput("")
			}
			res.Duration = time.Since(start)
			if e.turnSteps != nil {
				e.turnSteps.Record(ctx, int64(res.Steps))
			}
			span.SetAttributes(attribute.Int("graph.steps", res.Steps))
			span.SetStatus(codes.Ok, "")
			e.logger.Info("turn completed",
				slog.String("turn_id", st.TurnID),
				slog.Int("steps", res.Steps),
				slog.Duration("duration", res.Duration),
			)
			return res, nil

		case OutcomeContinue:
			if outcome.Next != "" {
				if _, ok := e.graph.Node(outcome.Next); !ok {
					return fail(current, fmt.Sprintf("continue target %q is not registered", outcome.Next), ErrNodeNotFound)
				}
				next = outcome.Next
				break
			}
			to, ok := e.graph.Resolve(current, "")
			if !ok {
				return fail(current, ErrNoMatchingEdge.Error(), ErrNoMatchingEdge)
			}
			next = to

		case OutcomeBranch:
			to, ok := e.graph.Resolve(current, outcome.Label)
			if !ok {
				return fail(current, fmt.Sprintf("%s for label %q", ErrNoMatchingEdge, outcome.Label), ErrNoMatchingEdge)
			}
			next = to

		default:
			return fail(current, fmt.Sprintf("unknown outcome %d", int(outcome.Kind)), nil)
		}

		res.Steps++
		if res.Steps > e.graph.MaxSteps() {
			return fail(current, ErrMaxSteps.Error(), ErrMaxSteps)
		}
		current = next
	}
}

// executeNode runs a single node under its own span.
func (e *Executor) executeNode(ctx context.Context, node Node, st *state.AgentState, tc *TurnContext) (Outcome, error) {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("graph.node", node.ID()),
			attribute.String("graph.turn_id", st.TurnID),
		),
	)
	defer span.End()

	e.logger.Debug("node starting",
		slog.String("node", node.ID()),
		slog.String("turn_id", st.TurnID),
	)

	start := time.Now()
	outcome, err := node.Execute(ctx, st, tc)
	duration := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.ID())),
		)
	}

	label := outcome.Kind.String()
	if err != nil {
		label = "error"
	}
	if e.recorder != nil {
		e.recorder.RecordNode(node.ID(), label, duration)
	}

	if err != nil || outcome.Kind == OutcomeError {
		msg := outcome.Message
		if err != nil {
			msg = err.Error()
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, msg)
		e.logger.Error("node failed",
			slog.String("node", node.ID()),
			slog.Duration("duration", duration),
			slog.String("error", msg),
		)
		return outcome, err
	}

	span.SetAttributes(
		attribute.String("graph.outcome", label),
		attribute.String("graph.label", outcome.Label),
	)
	span.SetStatus(codes.Ok, "")
	e.logger.Info("node completed",
		slog.String("node", node.ID()),
		slog.String("outcome", label),
		slog.Duration("duration", duration),
	)
	return outcome, nil
}
