// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state defines AgentState, the per-turn mutable state threaded
// through the graph executor.
package state

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
)

// =============================================================================
// Enums
// =============================================================================

// Mode is the request mode chosen by the client.
type Mode int

const (
	ModeChat Mode = iota
	ModeSearch
	ModeSearchAgentic
	ModeAgent
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeChat:
		return "chat"
	case ModeSearch:
		return "search"
	case ModeSearchAgentic:
		return "search_agentic"
	case ModeAgent:
		return "agent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a wire mode. Empty input is ModeChat.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chat":
		return ModeChat, nil
	case "search":
		return ModeSearch, nil
	case "search_agentic", "deep_research":
		return ModeSearchAgentic, nil
	case "agent":
		return ModeAgent, nil
	default:
		return ModeChat, fmt.Errorf("unknown mode %q", s)
	}
}

// AgentMode controls how much planning the supervisor does.
type AgentMode int

const (
	// AgentModeLow plans only when the input looks complex. Alias: fast.
	AgentModeLow AgentMode = iota
	// AgentModeHigh always plans.
	AgentModeHigh
	// AgentModeDirect never plans and requires a valid requested agent.
	AgentModeDirect
)

// String returns the wire name of the agent mode.
func (m AgentMode) String() string {
	switch m {
	case AgentModeHigh:
		return "high"
	case AgentModeDirect:
		return "direct"
	default:
		return "low"
	}
}

// ParseAgentMode parses a wire agent mode. Empty input is AgentModeLow.
func ParseAgentMode(s string) (AgentMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low", "fast":
		return AgentModeLow, nil
	case "high":
		return AgentModeHigh, nil
	case "direct":
		return AgentModeDirect, nil
	default:
		return AgentModeLow, fmt.Errorf("unknown agent mode %q", s)
	}
}

// RouteKind is the supervisor's routing decision.
type RouteKind int

const (
	RoutePlanner RouteKind = iota
	RouteAgent
)

// SupervisorRoute records where the supervisor sent the turn.
type SupervisorRoute struct {
	Kind    RouteKind
	AgentID string
}

// String renders the route for logs and status events.
func (r SupervisorRoute) String() string {
	if r.Kind == RoutePlanner {
		return "planner"
	}
	return "agent(" + r.AgentID + ")"
}

// =============================================================================
// Shared context
// =============================================================================

// Artifact is a named piece of intermediate output, usually a tool result.
type Artifact struct {
	Name    string
	Content string
}

// SharedContext is the working memory shared by agent-mode nodes.
type SharedContext struct {
	CurrentPlan string
	Artifacts   []Artifact
	Notes       []string
}

// ToolCall is a tool invocation waiting to be executed.
type ToolCall struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// =============================================================================
// AgentState
// =============================================================================

// AgentState is owned by exactly one turn and mutated in place by each node.
//
// # Description
//
// Terminal output and error are mutually exclusive: SetOutput clears any
// error and SetError clears any output.
//
// # Thread Safety
//
// Not safe for concurrent use. Nodes run sequentially within a turn.
type AgentState struct {
	SessionID string
	TurnID    string
	Input     string
	Mode      Mode
	History   []datatypes.Message

	RequestedAgentID string
	AgentMode        AgentMode
	SelectedAgentID  string
	Route            *SupervisorRoute

	Shared     SharedContext
	Scratchpad []datatypes.Message

	ThinkingEnabled bool
	Thought         string

	SearchQueries []string
	SearchResults []datatypes.SearchResult
	Attachments   []datatypes.Attachment
	SkipWebSearch bool

	PendingToolCall *ToolCall

	output *string
	err    *string

	cached *pipeline.Context
}

// New builds the initial state of a turn from a validated request.
func New(req datatypes.TurnRequest, turnID string) (*AgentState, error) {
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	agentMode, err := ParseAgentMode(req.AgentMode)
	if err != nil {
		return nil, err
	}
	return &AgentState{
		SessionID:        req.SessionID,
		TurnID:           turnID,
		Input:            req.Message,
		Mode:             mode,
		History:          req.History,
		RequestedAgentID: strings.TrimSpace(req.AgentID),
		AgentMode:        agentMode,
		ThinkingEnabled:  req.ThinkingMode,
		Attachments:      req.Attachments,
		SkipWebSearch:    req.SkipWebSearch,
	}, nil
}

// SetOutput records the turn's answer.
func (s *AgentState) SetOutput(out string) {
	s.output = &out
	s.err = nil
}

// SetError records the turn's failure.
func (s *AgentState) SetError(msg string) {
	s.err = &msg
	s.output = nil
}

// Output returns the answer, if one was recorded.
func (s *AgentState) Output() (string, bool) {
	if s.output == nil {
		return "", false
	}
	return *s.output, true
}

// Err returns the failure message, if one was recorded.
func (s *AgentState) Err() (string, bool) {
	if s.err == nil {
		return "", false
	}
	return *s.err, true
}

// IsTerminal reports whether output or error has been recorded.
func (s *AgentState) IsTerminal() bool {
	return s.output != nil || s.err != nil
}

// AppendScratchpad adds a message to the agent scratchpad.
func (s *AgentState) AppendScratchpad(role, content string) {
	s.Scratchpad = append(s.Scratchpad, datatypes.Message{Role: role, Content: content})
}

// PipelineMode maps the request onto the pipeline mode used to build context.
func (s *AgentState) PipelineMode() pipeline.Mode {
	switch s.Mode {
	case ModeSearch:
		return pipeline.ModeSearchFast
	case ModeSearchAgentic:
		return pipeline.ModeSearchAgentic
	case ModeAgent:
		switch s.AgentMode {
		case AgentModeHigh:
			return pipeline.ModeAgentHigh
		case AgentModeDirect:
			return pipeline.ModeAgentDirect
		default:
			return pipeline.ModeAgentLow
		}
	default:
		return pipeline.ModeChat
	}
}

// CachedContext returns the cached pipeline context if it was built for mode.
func (s *AgentState) CachedContext(mode pipeline.Mode) (*pipeline.Context, bool) {
	if s.cached == nil || s.cached.Mode != mode {
		return nil, false
	}
	return s.cached, true
}

// CacheContext stores pc for reuse by later nodes of the same mode.
func (s *AgentState) CacheContext(pc *pipeline.Context) {
	s.cached = pc
}
