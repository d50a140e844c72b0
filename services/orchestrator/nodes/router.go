// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodes

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
)

// DeepResearchThreshold is the input length, in runes, above which a search
// turn becomes agentic.
const DeepResearchThreshold = 200

var depthKeywords = []string{
	"deep research", "in-depth", "in depth", "comprehensive", "thorough",
	"detailed analysis", "investigate", "literature review", "compare",
	"深度", "深入", "详细", "全面", "调研", "研究", "对比",
}

// Router picks the first node of the turn from its mode.
type Router struct {
	graph.BaseNode
}

// NewRouter returns the router node.
func NewRouter(_ *Deps) *Router {
	return &Router{BaseNode: graph.BaseNode{NodeID: IDRouter, NodeName: "Router"}}
}

// Execute branches on the mode. The branch label is the target node id.
func (n *Router) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	switch st.Mode {
	case state.ModeChat:
		if st.ThinkingEnabled {
			return graph.Branch(IDThinking), nil
		}
		return graph.Branch(IDChat), nil

	case state.ModeSearch:
		if !NeedsDeepResearch(st) {
			return graph.Branch(IDSearch), nil
		}
		_ = tc.Emit(ctx, events.Activity(IDRouter, "Deep research activated"))
		return graph.Branch(IDSearchAgentic), nil

	case state.ModeSearchAgentic:
		_ = tc.Emit(ctx, events.Activity(IDRouter, "Deep research activated"))
		return graph.Branch(IDSearchAgentic), nil

	case state.ModeAgent:
		return graph.Branch(IDSupervisor), nil
	}
	return graph.Failed("unsupported mode " + st.Mode.String()), nil
}

// NeedsDeepResearch reports whether a search turn should run agentically:
// it carries attachments, is long, or asks for depth in English or Chinese.
func NeedsDeepResearch(st *state.AgentState) bool {
	if len(st.Attachments) > 0 {
		return true
	}
	if utf8.RuneCountInString(st.Input) > DeepResearchThreshold {
		return true
	}
	lower := strings.ToLower(st.Input)
	for _, kw := range depthKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
