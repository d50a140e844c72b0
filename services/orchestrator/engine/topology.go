// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/nodes"
)

// GraphName names the shipped topology in logs and spans.
const GraphName = "agent"

// BuildGraph wires the nine nodes into the shipped topology.
//
// # Description
//
// The router branches on labels equal to the target node id. Thinking
// always hands over to chat. The supervisor branches to the planner or
// straight to the executor, and the executor always ends at the
// synthesizer. Chat and both search nodes finish the turn themselves.
//
//	router ──chat──────────► chat
//	       ──thinking──────► thinking ──► chat
//	       ──search────────► search
//	       ──search_agentic► search_agentic
//	       ──supervisor────► supervisor ──planner──► planner ──► agent_executor
//	                                    ──agent────► agent_executor ──► synthesizer
//
// # Inputs
//
//   - d: Collaborators shared by every node.
//   - maxSteps: Step budget of a turn. Zero keeps graph.DefaultMaxSteps.
//   - timeout: Wall-clock bound of a turn. Zero disables it.
//
// # Outputs
//
//   - *graph.Graph: The validated topology.
//   - error: A structural problem; fatal at startup.
func BuildGraph(d *nodes.Deps, maxSteps int, timeout time.Duration) (*graph.Graph, error) {
	b := graph.NewBuilder(GraphName)
	for _, n := range nodes.All(d) {
		b.AddNode(n)
	}

	for _, to := range []string{nodes.IDThinking, nodes.IDChat, nodes.IDSearch, nodes.IDSearchAgentic, nodes.IDSupervisor} {
		b.AddConditionalEdge(nodes.IDRouter, to, to)
	}
	b.AddEdge(nodes.IDThinking, nodes.IDChat).
		AddConditionalEdge(nodes.IDSupervisor, nodes.IDPlanner, nodes.LabelPlanner).
		AddConditionalEdge(nodes.IDSupervisor, nodes.IDAgentExecutor, nodes.LabelAgent).
		AddEdge(nodes.IDPlanner, nodes.IDAgentExecutor).
		AddEdge(nodes.IDAgentExecutor, nodes.IDSynthesizer).
		SetEntry(nodes.IDRouter).
		WithTimeout(timeout)

	if maxSteps > 0 {
		b.WithMaxSteps(maxSteps)
	}
	return b.Build()
}
