// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides a directed graph of nodes with labelled
// conditional edges and an executor that walks it for one turn.
//
// Nodes return an Outcome that either names the next node directly, picks
// an outgoing edge by label, or terminates the turn. Cycles are allowed;
// the step budget bounds every run.
package graph

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
)

// OutcomeKind is the control decision a node makes.
type OutcomeKind int

const (
	// OutcomeContinue follows the outgoing edge, or jumps to Next if set.
	OutcomeContinue OutcomeKind = iota
	// OutcomeBranch follows the edge labelled Label.
	OutcomeBranch
	// OutcomeFinal terminates the turn successfully.
	OutcomeFinal
	// OutcomeError terminates the turn with Message.
	OutcomeError
)

// String returns the outcome name used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeBranch:
		return "branch"
	case OutcomeFinal:
		return "final"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is what a node returns to the executor.
type Outcome struct {
	Kind    OutcomeKind
	Next    string
	Label   string
	Message string
}

// Continue follows the node's outgoing edge.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// ContinueTo jumps to id, overriding any edge.
func ContinueTo(id string) Outcome { return Outcome{Kind: OutcomeContinue, Next: id} }

// Branch selects the outgoing edge labelled label.
func Branch(label string) Outcome { return Outcome{Kind: OutcomeBranch, Label: label} }

// Final ends the turn successfully.
func Final() Outcome { return Outcome{Kind: OutcomeFinal} }

// Failed ends the turn with msg.
func Failed(msg string) Outcome { return Outcome{Kind: OutcomeError, Message: msg} }

// TurnContext carries the per-turn collaborators a node needs beyond the
// state it mutates.
type TurnContext struct {
	TurnID    string
	Sink      events.Sink
	Approvals *approval.Registry
	Logger    *slog.Logger
}

// Emit sends ev to the turn's sink. A nil sink discards the event.
func (tc *TurnContext) Emit(ctx context.Context, ev events.Event) error {
	if tc == nil || tc.Sink == nil {
		return nil
	}
	return tc.Sink.Emit(ctx, ev)
}

// Log returns the turn logger, or the default logger.
func (tc *TurnContext) Log() *slog.Logger {
	if tc == nil || tc.Logger == nil {
		return slog.Default()
	}
	return tc.Logger
}

// Node is one step of the graph.
//
// Description:
//
//	Execute mutates st and returns the control decision. A non-nil error is
//	fatal for the turn. Recoverable problems are handled inside the node,
//	usually by emitting a status event and degrading.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use across turns. A single
//	turn calls Execute sequentially.
type Node interface {
	ID() string
	Name() string
	Execute(ctx context.Context, st *state.AgentState, tc *TurnContext) (Outcome, error)
}

// BaseNode carries the identity fields shared by every node.
type BaseNode struct {
	NodeID   string
	NodeName string
}

// ID returns the node id.
func (b *BaseNode) ID() string { return b.NodeID }

// Name returns the display name, falling back to the id.
func (b *BaseNode) Name() string {
	if b.NodeName == "" {
		return b.NodeID
	}
	return b.NodeName
}

// ExecuteFunc is the signature wrapped by FuncNode.
type ExecuteFunc func(ctx context.Context, st *state.AgentState, tc *TurnContext) (Outcome, error)

// FuncNode adapts a function into a Node.
type FuncNode struct {
	BaseNode
	fn ExecuteFunc
}

// NewFuncNode wraps fn as a node with the given id.
func NewFuncNode(id string, fn ExecuteFunc) *FuncNode {
	return &FuncNode{BaseNode: BaseNode{NodeID: id}, fn: fn}
}

// Execute calls the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, st *state.AgentState, tc *TurnContext) (Outcome, error) {
	return n.fn(ctx, st, tc)
}
