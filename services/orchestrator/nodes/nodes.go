// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodes implements the graph nodes of a conversational turn.
//
// The router picks a path by mode: chat (optionally through thinking),
// fast or agentic web search, or the agent path of supervisor, planner,
// agent executor and synthesizer. Every node that calls the model first
// builds its prompt through the context worker pipeline.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/workers"
)

var tracer = otel.Tracer("aleutian.orchestrator.nodes")

// Node ids. Branch labels out of the router and supervisor use the same
// strings.
const (
	IDRouter        = "router"
	IDThinking      = "thinking"
	IDChat          = "chat"
	IDSearch        = "search"
	IDSearchAgentic = "search_agentic"
	IDSupervisor    = "supervisor"
	IDPlanner       = "planner"
	IDAgentExecutor = "agent_executor"
	IDSynthesizer   = "synthesizer"
)

// Supervisor branch labels.
const (
	LabelPlanner = "planner"
	LabelAgent   = "agent"
)

// ToolRunner executes tools chosen by the agent executor.
type ToolRunner interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (tools.Result, error)
	RequiresApproval(name string) bool
}

// Deps holds the collaborators shared by all nodes.
type Deps struct {
	LLM      llm.LLMClient
	Embedder workers.Embedder
	Searcher workers.Searcher
	Tools    ToolRunner
	Agents   *agents.Registry
	Settings workers.Settings

	// Pipeline enriches the prompt context. Nil sends the bare query.
	Pipeline *pipeline.Pipeline
	Budget   pipeline.TokenBudget

	AllowWebSearch  bool
	ApprovalTimeout time.Duration

	Logger *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) prompts() promptSet {
	if d.Settings == nil {
		return defaultPrompts
	}
	return defaultPrompts.merge(d.Settings.Prompts())
}

// All returns every node, in the order the engine registers them.
func All(d *Deps) []graph.Node {
	return []graph.Node{
		NewRouter(d),
		NewThinking(d),
		NewChat(d),
		NewSearch(d, false),
		NewSearch(d, true),
		NewSupervisor(d),
		NewPlanner(d),
		NewAgentExecutor(d),
		NewSynthesizer(d),
	}
}

// =============================================================================
// Context building
// =============================================================================

// buildContext returns the enriched context for mode.
//
// # Description
//
// A context cached on st for the same mode is reused. Otherwise a new one
// is built from st, seed (may be nil) runs before the pipeline, and the
// result is cached. When the pipeline leaves history empty the history the
// client sent with the request is used instead.
func (d *Deps) buildContext(ctx context.Context, st *state.AgentState, mode pipeline.Mode, seed func(*pipeline.Context)) (*pipeline.Context, error) {
	if pc, ok := st.CachedContext(mode); ok {
		return pc, nil
	}

	pc := pipeline.NewContext(st.SessionID, st.TurnID, mode, st.Input)
	pc.Attachments = st.Attachments
	pc.SkipWebSearch = st.SkipWebSearch
	if d.Budget.Max > 0 {
		pc.Budget = d.Budget
	}
	if seed != nil {
		seed(pc)
	}

	if d.Pipeline != nil {
		if _, err := d.Pipeline.Run(ctx, pc); err != nil {
			return nil, fmt.Errorf("build %s context: %w", mode, err)
		}
	}
	if len(pc.History) == 0 && len(st.History) > 0 {
		pc.History = append([]datatypes.Message(nil), st.History...)
	}
	st.CacheContext(pc)
	return pc, nil
}

// =============================================================================
// Streaming
// =============================================================================

// errStreamFailed marks a provider error reported inside a stream.
var errStreamFailed = errors.New("model stream failed")

// streamAnswer streams a completion to the sink and returns the full text.
//
// # Description
//
// Non-empty answer tokens are forwarded as chunk events; reasoning tokens
// are not. A provider error, in the stream or from the call, emits an
// error event for node and is returned. A sink error (the client went
// away) stops the stream and is returned as is.
func (d *Deps) streamAnswer(ctx context.Context, tc *graph.TurnContext, node string, msgs []datatypes.Message, params llm.GenerationParams) (string, error) {
	var (
		answer  []byte
		sinkErr error
	)
	err := d.LLM.ChatStream(ctx, msgs, params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			if ev.Content == "" {
				return nil
			}
			answer = append(answer, ev.Content...)
			if err := tc.Emit(ctx, events.Chunk(ev.Content)); err != nil {
				sinkErr = err
				return err
			}
		case llm.StreamEventError:
			return fmt.Errorf("%w: %s", errStreamFailed, ev.Error)
		}
		return nil
	})
	if sinkErr != nil {
		return string(answer), sinkErr
	}
	if err != nil {
		_ = tc.Emit(ctx, events.Error(node, err.Error()))
		return string(answer), fmt.Errorf("%s: %w", node, err)
	}
	return string(answer), nil
}

// status emits a progress notice, ignoring sink errors.
func status(ctx context.Context, tc *graph.TurnContext, node, msg string) {
	_ = tc.Emit(ctx, events.Status(node, msg))
}
