// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
)

func TestNew_MapsRequest(t *testing.T) {
	req := datatypes.TurnRequest{
		SessionID:     "s-1",
		Message:       "find papers",
		Mode:          "deep_research",
		AgentID:       " coder ",
		AgentMode:     "fast",
		ThinkingMode:  true,
		SkipWebSearch: true,
		Attachments:   []datatypes.Attachment{{Name: "a.txt", Content: "x"}},
	}

	st, err := New(req, "t-1")

	require.NoError(t, err)
	assert.Equal(t, ModeSearchAgentic, st.Mode)
	assert.Equal(t, AgentModeLow, st.AgentMode)
	assert.Equal(t, "coder", st.RequestedAgentID)
	assert.True(t, st.ThinkingEnabled)
	assert.True(t, st.SkipWebSearch)
	assert.Len(t, st.Attachments, 1)
	assert.False(t, st.IsTerminal())
}

func TestNew_RejectsUnknownModes(t *testing.T) {
	_, err := New(datatypes.TurnRequest{Message: "x", Mode: "poetry"}, "t")
	assert.Error(t, err)

	_, err = New(datatypes.TurnRequest{Message: "x", AgentMode: "turbo"}, "t")
	assert.Error(t, err)
}

func TestOutputAndErrorAreExclusive(t *testing.T) {
	st := &AgentState{}

	st.SetOutput("answer")
	st.SetError("boom")
	_, hasOut := st.Output()
	msg, hasErr := st.Err()
	assert.False(t, hasOut)
	assert.True(t, hasErr)
	assert.Equal(t, "boom", msg)

	st.SetOutput("")
	out, hasOut := st.Output()
	_, hasErr = st.Err()
	assert.True(t, hasOut)
	assert.False(t, hasErr)
	assert.Empty(t, out)
	assert.True(t, st.IsTerminal())
}

func TestPipelineMode(t *testing.T) {
	tests := []struct {
		mode      Mode
		agentMode AgentMode
		want      pipeline.Mode
	}{
		{ModeChat, AgentModeHigh, pipeline.ModeChat},
		{ModeSearch, AgentModeLow, pipeline.ModeSearchFast},
		{ModeSearchAgentic, AgentModeLow, pipeline.ModeSearchAgentic},
		{ModeAgent, AgentModeHigh, pipeline.ModeAgentHigh},
		{ModeAgent, AgentModeLow, pipeline.ModeAgentLow},
		{ModeAgent, AgentModeDirect, pipeline.ModeAgentDirect},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			st := &AgentState{Mode: tt.mode, AgentMode: tt.agentMode}
			assert.Equal(t, tt.want, st.PipelineMode())
		})
	}
}

func TestCachedContext_KeyedByMode(t *testing.T) {
	st := &AgentState{}
	pc := pipeline.NewContext("s", "t", pipeline.ModeChat, "q")

	_, ok := st.CachedContext(pipeline.ModeChat)
	assert.False(t, ok)

	st.CacheContext(pc)
	got, ok := st.CachedContext(pipeline.ModeChat)
	assert.True(t, ok)
	assert.Same(t, pc, got)

	_, ok = st.CachedContext(pipeline.ModeAgentLow)
	assert.False(t, ok)
}

func TestSupervisorRoute_String(t *testing.T) {
	assert.Equal(t, "planner", SupervisorRoute{Kind: RoutePlanner}.String())
	assert.Equal(t, "agent(coder)", SupervisorRoute{Kind: RouteAgent, AgentID: "coder"}.String())
}
