// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs one turn at a time through the agent graph.
//
// # Description
//
// The engine owns the executor built over the shipped topology. For every
// turn it validates the request, creates the AgentState, derives the turn
// context from the output sink, runs the graph and closes the stream with
// exactly one terminal event. Successful answers are appended to the
// episodic history store.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Each RunTurn owns its state and sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
)

var tracer = otel.Tracer("aleutian.orchestrator.engine")

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid turn request")

// ErrInputRejected wraps input policy violations.
var ErrInputRejected = errors.New("turn input rejected")

// =============================================================================
// Collaborators
// =============================================================================

// HistoryStore persists finished turns. Implemented by conversation.Store.
type HistoryStore interface {
	Count(ctx context.Context, sessionID string) (int, error)
	Append(ctx context.Context, rows ...datatypes.HistoryRow) error
	AppendTurn(ctx context.Context, sessionID, userText, answer string) error
}

// TurnRecorder receives one observation per finished turn. Implemented by
// observability.Metrics.
type TurnRecorder interface {
	RecordTurn(mode, outcome string, d time.Duration)
}

// Turn outcomes reported to the recorder.
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// InputChecker rejects turn input that must not reach a model.
// Implemented by policy.Scanner.
type InputChecker interface {
	Check(text string) error
}

// doneNotifier is implemented by sinks that learn when their consumer
// detaches, such as events.ChannelSink.
type doneNotifier interface {
	Done() <-chan struct{}
}

// =============================================================================
// Engine
// =============================================================================

// Engine executes turns.
type Engine struct {
	executor  *graph.Executor
	history   HistoryStore
	approvals *approval.Registry
	recorder  TurnRecorder
	input     InputChecker
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistory persists answers and seeds new sessions from client history.
func WithHistory(h HistoryStore) Option {
	return func(e *Engine) { e.history = h }
}

// WithApprovals sets the registry tool approvals wait on. Without one,
// tools that require approval are denied.
func WithApprovals(r *approval.Registry) Option {
	return func(e *Engine) { e.approvals = r }
}

// WithTurnRecorder records turn outcomes.
func WithTurnRecorder(r TurnRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithInputPolicy checks the message and attachments of every turn
// before any node runs.
func WithInputPolicy(c InputChecker) Option {
	return func(e *Engine) { e.input = c }
}

// New creates an engine over g.
//
// # Description
//
// Cycles in g are legal. They are logged once so an operator can see
// that the step budget is the only guard for that topology.
//
// # Inputs
//
//   - g: The validated graph, usually from BuildGraph.
//   - nodeRecorder: Optional per-node recorder passed to the executor.
//   - logger: Engine logger. Nil uses slog.Default().
//   - opts: Optional collaborators.
func New(g *graph.Graph, nodeRecorder graph.Recorder, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	exec, err := graph.NewExecutor(g, logger)
	if err != nil {
		return nil, err
	}
	if nodeRecorder != nil {
		exec.WithRecorder(nodeRecorder)
	}

	e := &Engine{executor: exec, logger: logger}
	for _, opt := range opts {
		opt(e)
	}

	if cycles := graph.DetectCycles(g); len(cycles) > 0 {
		paths := make([]string, len(cycles))
		for i, c := range cycles {
			paths[i] = strings.Join(c, " -> ")
		}
		logger.Warn("Graph contains cycles, relying on the step budget",
			"graph", g.Name(), "max_steps", g.MaxSteps(), "cycles", paths)
	} else {
		logger.Info("Graph is acyclic", "graph", g.Name(), "nodes", len(g.NodeIDs()), "max_steps", g.MaxSteps())
	}
	return e, nil
}

// Graph returns the executed topology.
func (e *Engine) Graph() *graph.Graph { return e.executor.Graph() }

// Approvals returns the approval registry, or nil.
func (e *Engine) Approvals() *approval.Registry { return e.approvals }

// TurnResult describes a finished turn.
type TurnResult struct {
	TurnID    string
	SessionID string
	Output    string
	Trace     []string
	Steps     int
	Duration  time.Duration
}

// RunTurn executes one turn and streams its events to sink.
//
// # Description
//
// The request is validated and defaulted first; a missing session id gets
// a new uuid. The turn is cancelled when ctx is cancelled or when sink
// reports that its consumer went away. On success the answer is stored
// and a done event closes the stream. On failure exactly one error event
// closes it; if a node already emitted one, nothing is added.
//
// # Inputs
//
//   - ctx: Request context.
//   - req: Turn input. Modified in place by defaulting.
//   - sink: Output stream. May implement Done() <-chan struct{}.
//
// # Outputs
//
//   - *TurnResult: Ids, output and trace. Returned on failure too when the
//     graph ran.
//   - error: ErrInvalidRequest, or the executor's *graph.GraphError.
func (e *Engine) RunTurn(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*TurnResult, error) {
	start := time.Now()
	req.EnsureDefaults()
	turnID := uuid.NewString()
	ts := events.NewTurnSink(sink, turnID, req.SessionID)
	log := e.logger.With("turn_id", turnID, "session_id", req.SessionID)

	if err := req.Validate(); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		e.finishWithError(ctx, ts, "", err.Error())
		e.record(req.Mode, OutcomeError, start)
		return nil, err
	}
	if err := e.checkInput(req); err != nil {
		log.Warn("Turn input rejected by policy", "error", err)
		err = fmt.Errorf("%w: %w", ErrInputRejected, err)
		e.finishWithError(ctx, ts, "", err.Error())
		e.record(req.Mode, OutcomeRejected, start)
		return nil, err
	}
	st, err := state.New(*req, turnID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		e.finishWithError(ctx, ts, "", err.Error())
		e.record(req.Mode, OutcomeError, start)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "engine.RunTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("turn.session_id", st.SessionID),
		attribute.String("turn.mode", st.Mode.String()),
	)

	ctx, stop := e.turnContext(ctx, sink)
	defer stop()

	e.seedHistory(ctx, st, log)

	log.Info("Turn started", "mode", st.Mode.String(), "agent_mode", st.AgentMode.String())
	res, runErr := e.executor.Run(ctx, st, &graph.TurnContext{
		TurnID:    turnID,
		Sink:      ts,
		Approvals: e.approvals,
		Logger:    log,
	})

	result := &TurnResult{TurnID: turnID, SessionID: st.SessionID}
	if res != nil {
		result.Trace = res.Trace
		result.Steps = res.Steps
		result.Duration = res.Duration
	}

	if runErr != nil {
		outcome := OutcomeError
		if errors.Is(runErr, graph.ErrTurnCancelled) {
			outcome = OutcomeCancelled
		}
		var gerr *graph.GraphError
		node := ""
		msg := runErr.Error()
		if errors.As(runErr, &gerr) {
			node = gerr.NodeID
			msg = gerr.Message
		}
		e.finishWithError(ctx, ts, node, msg)
		e.record(st.Mode.String(), outcome, start)
		return result, runErr
	}

	result.Output, _ = st.Output()
	e.persist(ctx, st, result.Output, log)
	if err := ts.Emit(context.WithoutCancel(ctx), events.Done(st.SessionID)); err != nil {
		log.Debug("Done event not delivered", "error", err)
	}
	e.record(st.Mode.String(), OutcomeDone, start)
	return result, nil
}

func (e *Engine) checkInput(req *datatypes.TurnRequest) error {
	if e.input == nil {
		return nil
	}
	if err := e.input.Check(req.Message); err != nil {
		return err
	}
	for _, a := range req.Attachments {
		if err := e.input.Check(a.Content); err != nil {
			return fmt.Errorf("attachment %s: %w", a.Name, err)
		}
	}
	return nil
}

// turnContext derives a context cancelled when the sink's consumer
// detaches.
func (e *Engine) turnContext(ctx context.Context, sink events.Sink) (context.Context, context.CancelFunc) {
	n, ok := sink.(doneNotifier)
	if !ok {
		return context.WithCancel(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-n.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// finishWithError emits the terminal error event unless the turn already
// finished.
func (e *Engine) finishWithError(ctx context.Context, ts *events.TurnSink, node, msg string) {
	if ts.Finished() {
		return
	}
	if err := ts.Emit(context.WithoutCancel(ctx), events.Error(node, msg)); err != nil {
		e.logger.Debug("Error event not delivered", "error", err)
	}
}

// seedHistory stores client-supplied history for a session the store has
// never seen, so later turns remember it.
func (e *Engine) seedHistory(ctx context.Context, st *state.AgentState, log *slog.Logger) {
	if e.history == nil || len(st.History) == 0 {
		return
	}
	n, err := e.history.Count(ctx, st.SessionID)
	if err != nil {
		log.Warn("History count failed, not seeding", "error", err)
		return
	}
	if n > 0 {
		return
	}
	rows := make([]datatypes.HistoryRow, 0, len(st.History))
	for _, m := range st.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		rows = append(rows, datatypes.HistoryRow{SessionID: st.SessionID, Role: storedRole(m.Role), Content: m.Content})
	}
	if len(rows) == 0 {
		return
	}
	if err := e.history.Append(ctx, rows...); err != nil {
		log.Warn("History seeding failed", "error", err)
	}
}

// persist appends the exchange to the history store. A failure loses
// memory for later turns only.
func (e *Engine) persist(ctx context.Context, st *state.AgentState, answer string, log *slog.Logger) {
	if e.history == nil {
		return
	}
	if err := e.history.AppendTurn(context.WithoutCancel(ctx), st.SessionID, st.Input, answer); err != nil {
		log.Warn("Failed to store turn history", "error", err)
	}
}

func (e *Engine) record(mode, outcome string, start time.Time) {
	if e.recorder != nil {
		e.recorder.RecordTurn(mode, outcome, time.Since(start))
	}
}

// storedRole maps message roles onto the history store's roles.
func storedRole(role string) string {
	switch role {
	case datatypes.RoleAssistant, conversation.RoleAI:
		return conversation.RoleAI
	case datatypes.RoleSystem, datatypes.RoleTool:
		return role
	default:
		return conversation.RoleHuman
	}
}
