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
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
)

// ComplexTaskThreshold is the input length, in runes, above which a Low
// mode task goes through the planner.
const ComplexTaskThreshold = 300

var multiStepKeywords = []string{
	"step by step", "step-by-step", "first", "then", "after that", "finally",
	"plan", "multiple", "several", "and then",
	"步骤", "首先", "然后", "接着", "最后", "计划", "分步",
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor selects the executor agent and routes to the planner or
// straight to the agent executor.
type Supervisor struct {
	graph.BaseNode
	deps *Deps
}

// NewSupervisor returns the supervisor node.
func NewSupervisor(d *Deps) *Supervisor {
	return &Supervisor{BaseNode: graph.BaseNode{NodeID: IDSupervisor, NodeName: "Supervisor"}, deps: d}
}

// Execute selects an agent and branches "planner" or "agent".
//
// # Description
//
// In Direct mode a requested agent that is unknown or disabled fails the
// turn. Otherwise the agent is the requested one, else the best keyword
// match, else the default. High always plans, Direct never does, Low plans
// only complex tasks.
func (n *Supervisor) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	if n.deps.Agents == nil {
		return graph.Outcome{}, errors.New("supervisor: no agent registry")
	}
	if st.AgentMode == state.AgentModeDirect && st.RequestedAgentID != "" &&
		!n.deps.Agents.IsAvailable(st.RequestedAgentID) {
		return graph.Failed(fmt.Sprintf("agent '%s' is not available or enabled", st.RequestedAgentID)), nil
	}

	agent := n.deps.Agents.Select(st.RequestedAgentID, st.Input)
	st.SelectedAgentID = agent.ID

	var route state.SupervisorRoute
	switch st.AgentMode {
	case state.AgentModeHigh:
		route = state.SupervisorRoute{Kind: state.RoutePlanner}
	case state.AgentModeDirect:
		route = state.SupervisorRoute{Kind: state.RouteAgent, AgentID: agent.ID}
	default:
		if IsComplexTask(st.Input) {
			route = state.SupervisorRoute{Kind: state.RoutePlanner}
		} else {
			route = state.SupervisorRoute{Kind: state.RouteAgent, AgentID: agent.ID}
		}
	}
	st.Route = &route

	name := agent.Name
	if name == "" {
		name = agent.ID
	}
	_ = tc.Emit(ctx, events.Status(IDSupervisor, fmt.Sprintf("Agent %s selected, routing to %s", name, route)).
		WithData("agent_id", agent.ID).
		WithData("route", route.String()))

	if route.Kind == state.RoutePlanner {
		return graph.Branch(LabelPlanner), nil
	}
	return graph.Branch(LabelAgent), nil
}

// IsComplexTask reports whether input is long or reads as a multi-step
// request.
func IsComplexTask(input string) bool {
	if utf8.RuneCountInString(input) > ComplexTaskThreshold {
		return true
	}
	lower := strings.ToLower(input)
	for _, kw := range multiStepKeywords {
		if containsWord(lower, kw) {
			return true
		}
	}
	return false
}

// containsWord matches kw on word boundaries when it starts and ends with
// ASCII letters, and as a substring otherwise.
func containsWord(s, kw string) bool {
	if kw == "" || !isASCIILetter(kw[0]) || !isASCIILetter(kw[len(kw)-1]) {
		return strings.Contains(s, kw)
	}
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isASCIILetter(s[start-1])) && (end == len(s) || !isASCIILetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// =============================================================================
// Planner
// =============================================================================

// Planner writes a short plan into the shared context.
type Planner struct {
	graph.BaseNode
	deps *Deps
}

// NewPlanner returns the planner node.
func NewPlanner(d *Deps) *Planner {
	return &Planner{BaseNode: graph.BaseNode{NodeID: IDPlanner, NodeName: "Planner"}, deps: d}
}

// Execute makes one completion for the plan and continues to the agent
// executor. An empty completion uses a generic plan; a failed one fails
// the node.
func (n *Planner) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	system := n.deps.prompts().planner
	if a, ok := n.deps.selectedAgent(st); ok && a.Description != "" {
		system += "\nYou are planning for: " + a.Description
	}
	msgs := []datatypes.Message{
		datatypes.NewSystemMessage(system),
		datatypes.NewUserMessage(st.Input),
	}

	plan, err := n.deps.LLM.Chat(ctx, msgs, llm.GenerationParams{Temperature: llm.Float32(0.2)})
	if err != nil {
		return graph.Outcome{}, fmt.Errorf("planner: %w", err)
	}
	plan = strings.TrimSpace(plan)
	if plan == "" {
		plan = cannedPlan
	}
	st.Shared.CurrentPlan = plan
	_ = tc.Emit(ctx, events.Status(IDPlanner, "Plan ready").WithData("plan", plan))
	return graph.ContinueTo(IDAgentExecutor), nil
}

func (d *Deps) selectedAgent(st *state.AgentState) (agents.Agent, bool) {
	if d.Agents == nil || st.SelectedAgentID == "" {
		return agents.Agent{}, false
	}
	return d.Agents.Get(st.SelectedAgentID)
}

// =============================================================================
// Agent executor
// =============================================================================

// AgentExecutor runs one tool call and records its result.
type AgentExecutor struct {
	graph.BaseNode
	deps *Deps
}

// NewAgentExecutor returns the agent executor node.
func NewAgentExecutor(d *Deps) *AgentExecutor {
	return &AgentExecutor{BaseNode: graph.BaseNode{NodeID: IDAgentExecutor, NodeName: "Agent Executor"}, deps: d}
}

// Execute runs the pending tool call, or the one the model picks.
//
// # Description
//
// Tools that require approval wait on the approval registry. The tool's
// output, or a failure reading "Tool '<name>' failed: <err>", is appended
// to the scratchpad and the artifact list. The node always continues to its
// outgoing edge unless the turn is cancelled.
func (n *AgentExecutor) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	if n.deps.Tools == nil {
		st.AppendScratchpad(datatypes.RoleAssistant, "No tools are available; answering directly.")
		return graph.Continue(), nil
	}

	call := st.PendingToolCall
	st.PendingToolCall = nil
	if call == nil {
		chosen, err := n.chooseTool(ctx, st)
		switch {
		case errors.Is(err, tools.ErrNoToolCall):
			st.AppendScratchpad(datatypes.RoleAssistant, "No tool was needed for this task.")
			return graph.Continue(), nil
		case err != nil:
			if isCancelled(ctx, err) {
				return graph.Outcome{}, err
			}
			tc.Log().Warn("Tool selection failed", "session_id", st.SessionID, "error", err)
			status(ctx, tc, IDAgentExecutor, "Could not choose a tool, answering directly")
			st.AppendScratchpad(datatypes.RoleAssistant, "Tool selection failed: "+err.Error())
			return graph.Continue(), nil
		}
		call = chosen
	}

	if n.deps.Tools.RequiresApproval(call.Name) {
		approved, reason, err := n.awaitApproval(ctx, tc, call)
		if err != nil {
			return graph.Outcome{}, err
		}
		if !approved {
			msg := fmt.Sprintf("Tool '%s' was not approved", call.Name)
			if reason != "" {
				msg += ": " + reason
			}
			n.record(st, call.Name, msg, msg)
			status(ctx, tc, IDAgentExecutor, msg)
			return graph.Continue(), nil
		}
	}

	_ = tc.Emit(ctx, events.Activity(IDAgentExecutor, "Running tool "+call.Name))
	res, err := n.deps.Tools.ExecuteTool(ctx, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return graph.Outcome{}, ctx.Err()
		}
		msg := fmt.Sprintf("Tool '%s' failed: %v", call.Name, err)
		n.record(st, call.Name, msg, msg)
		return graph.Continue(), nil
	}

	if len(res.SearchResults) > 0 {
		st.SearchResults = append(st.SearchResults, res.SearchResults...)
		_ = tc.Emit(ctx, events.SearchResults(IDAgentExecutor, res.SearchResults))
	}
	n.record(st, call.Name, toolResultNote(call.Name, res.Output), res.Output)
	return graph.Continue(), nil
}

// toolResultNote is the scratchpad entry for a successful call. It carries
// the output itself; the scratchpad is never trimmed by the token budget.
func toolResultNote(tool, output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return fmt.Sprintf("Tool '%s' returned no output.", tool)
	}
	return fmt.Sprintf("Tool '%s' result:\n%s", tool, output)
}

// record notes the outcome in the scratchpad and keeps the payload as an
// artifact.
func (n *AgentExecutor) record(st *state.AgentState, tool, note, payload string) {
	st.AppendScratchpad(datatypes.RoleTool, note)
	st.Shared.Artifacts = append(st.Shared.Artifacts, state.Artifact{Name: tool, Content: payload})
}

// chooseTool asks the model for a tool call in JSON.
func (n *AgentExecutor) chooseTool(ctx context.Context, st *state.AgentState) (*state.ToolCall, error) {
	pc, err := n.deps.buildContext(ctx, st, st.PipelineMode(), nil)
	if err != nil {
		return nil, err
	}
	pc = pc.Clone()
	if st.Shared.CurrentPlan != "" {
		pc.AddSystemPart(PartPlan, "Plan:\n"+st.Shared.CurrentPlan, pipeline.PriorityNote)
	}
	pc.Scratchpad = append(pc.Scratchpad, st.Scratchpad...)
	pc.AddSystemPart(PartToolChoice, n.deps.prompts().toolChoice, pipeline.PriorityPinned)

	out, err := n.deps.LLM.Chat(ctx, pc.Messages(), llm.GenerationParams{
		Temperature: llm.Float32(0),
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("choose tool: %w", err)
	}
	call, err := tools.ParseCall(out)
	if err != nil {
		return nil, err
	}
	return &state.ToolCall{Name: call.Name, Args: call.Args}, nil
}

// awaitApproval asks the client to confirm call. A missing registry
// denies. A timeout denies; cancellation of the turn is returned as an
// error.
func (n *AgentExecutor) awaitApproval(ctx context.Context, tc *graph.TurnContext, call *state.ToolCall) (bool, string, error) {
	if tc == nil || tc.Approvals == nil {
		return false, "approval is not available on this transport", nil
	}
	req, ch := tc.Approvals.Register(call.Name, call.Args)
	ev := events.Status(IDAgentExecutor, fmt.Sprintf("Tool '%s' needs your approval", call.Name)).
		WithData("approval_request_id", req.ID).
		WithData("tool", call.Name).
		WithData("args", call.Args)
	if err := tc.Emit(ctx, ev); err != nil {
		tc.Approvals.Cancel(req.ID)
		return false, "", err
	}

	d, err := tc.Approvals.Wait(ctx, req.ID, ch, n.deps.ApprovalTimeout)
	switch {
	case errors.Is(err, approval.ErrTimeout):
		return false, "approval timed out", nil
	case err != nil:
		return false, "", err
	}
	return d.Approved, d.Reason, nil
}

// =============================================================================
// Synthesizer
// =============================================================================

// Part names added by the agent path.
const (
	PartPlan       = "plan"
	PartToolChoice = "tool_choice"
	PartArtifacts  = "artifacts"
	PartSynthesis  = "synthesis"
)

// Synthesizer composes the final answer of an agent turn.
type Synthesizer struct {
	graph.BaseNode
	deps *Deps
}

// NewSynthesizer returns the synthesizer node.
func NewSynthesizer(d *Deps) *Synthesizer {
	return &Synthesizer{BaseNode: graph.BaseNode{NodeID: IDSynthesizer, NodeName: "Synthesizer"}, deps: d}
}

// Execute folds plan, artifacts and scratchpad into the prompt and streams
// the answer.
func (n *Synthesizer) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	pc, err := n.deps.buildContext(ctx, st, st.PipelineMode(), nil)
	if err != nil {
		return graph.Outcome{}, err
	}
	pc = pc.Clone()
	if st.Shared.CurrentPlan != "" {
		pc.AddSystemPart(PartPlan, "Plan:\n"+st.Shared.CurrentPlan, pipeline.PriorityNote)
	}
	if len(st.Shared.Artifacts) > 0 {
		var b strings.Builder
		b.WriteString("Artifacts:")
		for _, a := range st.Shared.Artifacts {
			fmt.Fprintf(&b, "\n--- %s\n%s", a.Name, a.Content)
		}
		pc.AddSystemPart(PartArtifacts, b.String(), pipeline.PriorityNote)
	}
	pc.AddSystemPart(PartSynthesis, n.deps.prompts().synthesizer, pipeline.PriorityPinned)
	pc.Scratchpad = append(pc.Scratchpad, st.Scratchpad...)

	answer, err := n.deps.streamAnswer(ctx, tc, IDSynthesizer, pc.Messages(), llm.GenerationParams{})
	if err != nil {
		return graph.Outcome{}, err
	}
	st.SetOutput(answer)
	return graph.Final(), nil
}
