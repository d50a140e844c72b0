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

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
)

// PartThought is the system part carrying the recorded thought into chat.
const PartThought = "thought"

// =============================================================================
// Thinking
// =============================================================================

// Thinking records a chain-of-thought before the chat answer.
type Thinking struct {
	graph.BaseNode
	deps *Deps
}

// NewThinking returns the thinking node.
func NewThinking(d *Deps) *Thinking {
	return &Thinking{BaseNode: graph.BaseNode{NodeID: IDThinking, NodeName: "Thinking"}, deps: d}
}

// Execute makes one completion with the thinking instruction and continues
// to chat. A failed completion fails the node.
func (n *Thinking) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	if !st.ThinkingEnabled {
		return graph.ContinueTo(IDChat), nil
	}

	msgs := make([]datatypes.Message, 0, len(st.History)+2)
	msgs = append(msgs, datatypes.NewSystemMessage(n.deps.prompts().thinking))
	msgs = append(msgs, st.History...)
	msgs = append(msgs, datatypes.NewUserMessage(st.Input))

	thought, err := n.deps.LLM.Chat(ctx, msgs, llm.GenerationParams{Temperature: llm.Float32(0.3)})
	if err != nil {
		return graph.Outcome{}, fmt.Errorf("thinking: %w", err)
	}

	st.Thought = strings.TrimSpace(thought)
	if st.Thought != "" {
		_ = tc.Emit(ctx, events.Thought(st.Thought))
	}
	return graph.ContinueTo(IDChat), nil
}

// =============================================================================
// Chat
// =============================================================================

// Chat streams a conversational answer.
type Chat struct {
	graph.BaseNode
	deps *Deps
}

// NewChat returns the chat node.
func NewChat(d *Deps) *Chat {
	return &Chat{BaseNode: graph.BaseNode{NodeID: IDChat, NodeName: "Chat"}, deps: d}
}

// Execute builds the chat context, adds any thought and streams the answer.
func (n *Chat) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	pc, err := n.deps.buildContext(ctx, st, pipeline.ModeChat, nil)
	if err != nil {
		return graph.Outcome{}, err
	}
	if st.Thought != "" {
		pc = pc.Clone()
		pc.AddSystemPart(PartThought, "Your reasoning so far:\n"+st.Thought, pipeline.PriorityNote)
	}

	answer, err := n.deps.streamAnswer(ctx, tc, IDChat, pc.Messages(), llm.GenerationParams{})
	if err != nil {
		return graph.Outcome{}, err
	}
	st.SetOutput(answer)
	return graph.Final(), nil
}

// isCancelled reports whether err came from the turn being stopped.
func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, events.ErrSinkClosed)
}
