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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/workers"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeLLM struct {
	mu sync.Mutex

	replies []string
	chatErr error

	tokens    []string
	streamErr error
	// providerErr is delivered as an in-stream error event.
	providerErr string

	chatCalls   [][]datatypes.Message
	streamCalls [][]datatypes.Message
}

func (f *fakeLLM) Chat(_ context.Context, msgs []datatypes.Message, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, msgs)
	if f.chatErr != nil {
		return "", f.chatErr
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeLLM) ChatStream(_ context.Context, msgs []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	f.mu.Lock()
	f.streamCalls = append(f.streamCalls, msgs)
	f.mu.Unlock()
	for _, t := range f.tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: t}); err != nil {
			return err
		}
	}
	if f.providerErr != "" {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventError, Error: f.providerErr}); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeLLM) lastStream(t *testing.T) []datatypes.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.streamCalls)
	return f.streamCalls[len(f.streamCalls)-1]
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]datatypes.SearchResult
	fail    map[string]bool
	queries []string
}

func (f *fakeSearcher) PerformSearch(_ context.Context, q string) ([]datatypes.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.fail[q] {
		return nil, errors.New("provider down")
	}
	return f.results[q], nil
}

type fakeTools struct {
	approval map[string]bool
	results  map[string]tools.Result
	errs     map[string]error
	calls    []tools.Call
}

func (f *fakeTools) ExecuteTool(_ context.Context, name string, args map[string]any) (tools.Result, error) {
	f.calls = append(f.calls, tools.Call{Name: name, Args: args})
	if err := f.errs[name]; err != nil {
		return tools.Result{}, err
	}
	return f.results[name], nil
}

func (f *fakeTools) RequiresApproval(name string) bool { return f.approval[name] }

// approvingSink resolves every approval request as soon as it is announced.
type approvingSink struct {
	events.Buffer
	registry *approval.Registry
	approve  bool
}

func (s *approvingSink) Emit(ctx context.Context, ev events.Event) error {
	if id, ok := ev.Data["approval_request_id"].(string); ok {
		_ = s.registry.Resolve(id, approval.Decision{Approved: s.approve, Reason: "user said so"})
	}
	return s.Buffer.Emit(ctx, ev)
}

func newState(t *testing.T, req datatypes.TurnRequest) *state.AgentState {
	t.Helper()
	if req.SessionID == "" {
		req.SessionID = "s1"
	}
	st, err := state.New(req, "t1")
	require.NoError(t, err)
	return st
}

func newTurn() (*graph.TurnContext, *events.Buffer) {
	buf := &events.Buffer{}
	return &graph.TurnContext{TurnID: "t1", Sink: buf, Approvals: approval.NewRegistry()}, buf
}

func mustRegistry(t *testing.T) *agents.Registry {
	t.Helper()
	r, err := agents.NewRegistry()
	require.NoError(t, err)
	return r
}

// =============================================================================
// Router
// =============================================================================

func TestRouter(t *testing.T) {
	long := strings.Repeat("a", 250)
	tests := []struct {
		name     string
		req      datatypes.TurnRequest
		want     string
		activity bool
	}{
		{"chat", datatypes.TurnRequest{Message: "hi", Mode: "chat"}, IDChat, false},
		{"chat thinking", datatypes.TurnRequest{Message: "hi", Mode: "chat", ThinkingMode: true}, IDThinking, false},
		{"search short", datatypes.TurnRequest{Message: "weather in Oslo", Mode: "search"}, IDSearch, false},
		{"search long", datatypes.TurnRequest{Message: long, Mode: "search"}, IDSearchAgentic, true},
		{"search keyword", datatypes.TurnRequest{Message: "a comprehensive review of Go GCs", Mode: "search"}, IDSearchAgentic, true},
		{"search chinese keyword", datatypes.TurnRequest{Message: "请深入分析这个问题", Mode: "search"}, IDSearchAgentic, true},
		{"search attachment", datatypes.TurnRequest{Message: "summarize", Mode: "search",
			Attachments: []datatypes.Attachment{{Name: "a.txt", Content: "x"}}}, IDSearchAgentic, true},
		{"search agentic", datatypes.TurnRequest{Message: "q", Mode: "search_agentic"}, IDSearchAgentic, true},
		{"agent", datatypes.TurnRequest{Message: "q", Mode: "agent"}, IDSupervisor, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			turn, buf := newTurn()

			out, err := NewRouter(nil).Execute(context.Background(), newState(t, tc.req), turn)

			require.NoError(t, err)
			assert.Equal(t, graph.Branch(tc.want), out)
			acts := buf.OfType(events.TypeActivity)
			if tc.activity {
				require.Len(t, acts, 1)
				assert.Equal(t, "Deep research activated", acts[0].Message)
			} else {
				assert.Empty(t, acts)
			}
		})
	}
}

func TestNeedsDeepResearch_RuneLength(t *testing.T) {
	// 150 CJK runes are 450 bytes but stay under the rune threshold.
	st := newState(t, datatypes.TurnRequest{Message: strings.Repeat("天", 150), Mode: "search"})
	assert.False(t, NeedsDeepResearch(st))
}

// =============================================================================
// Thinking and Chat
// =============================================================================

func TestThinking(t *testing.T) {
	model := &fakeLLM{replies: []string{"  The user greets me.  "}}
	d := &Deps{LLM: model}
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "hi", ThinkingMode: true})

	out, err := NewThinking(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.ContinueTo(IDChat), out)
	assert.Equal(t, "The user greets me.", st.Thought)
	thoughts := buf.OfType(events.TypeThought)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "The user greets me.", thoughts[0].Content)
	assert.Equal(t, defaultPrompts.thinking, model.chatCalls[0][0].Content)
}

func TestThinking_DisabledSkipsModel(t *testing.T) {
	model := &fakeLLM{chatErr: errors.New("ollama down")}
	turn, _ := newTurn()

	out, err := NewThinking(&Deps{LLM: model}).Execute(context.Background(), newState(t, datatypes.TurnRequest{Message: "hi"}), turn)

	require.NoError(t, err)
	assert.Equal(t, graph.ContinueTo(IDChat), out)
	assert.Empty(t, model.chatCalls)
}

func TestThinking_ProviderErrorFailsNode(t *testing.T) {
	providerErr := errors.New("provider 500")
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "hi", ThinkingMode: true})

	_, err := NewThinking(&Deps{LLM: &fakeLLM{chatErr: providerErr}}).Execute(context.Background(), st, turn)

	require.ErrorIs(t, err, providerErr)
	assert.Empty(t, st.Thought)
	assert.Empty(t, buf.OfType(events.TypeThought))
}

func TestChat_StreamsAndAddsThought(t *testing.T) {
	model := &fakeLLM{tokens: []string{"Hel", "", "lo"}}
	d := &Deps{LLM: model}
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{
		Message: "hi",
		History: []datatypes.Message{{Role: "user", Content: "earlier"}},
	})
	st.Thought = "be friendly"

	out, err := NewChat(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Final(), out)
	answer, ok := st.Output()
	require.True(t, ok)
	assert.Equal(t, "Hello", answer)
	assert.Equal(t, "Hello", buf.Text())
	assert.Len(t, buf.OfType(events.TypeChunk), 2, "empty tokens are not forwarded")

	msgs := model.lastStream(t)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].Content, "be friendly")
	assert.Equal(t, "earlier", msgs[1].Content)
	assert.Equal(t, "hi", msgs[2].Content)
}

func TestChat_StreamErrorFailsNode(t *testing.T) {
	model := &fakeLLM{tokens: []string{"par"}, providerErr: "model overloaded"}
	turn, buf := newTurn()

	_, err := NewChat(&Deps{LLM: model}).Execute(context.Background(), newState(t, datatypes.TurnRequest{Message: "hi"}), turn)

	require.Error(t, err)
	assert.ErrorIs(t, err, errStreamFailed)
	errs := buf.OfType(events.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, IDChat, errs[0].Node)
}

// =============================================================================
// Search
// =============================================================================

func TestSearch_DisabledOrSkipped(t *testing.T) {
	s := &fakeSearcher{}
	for _, tc := range []struct {
		name  string
		allow bool
		skip  bool
	}{
		{"privacy off", false, false},
		{"skipped", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			model := &fakeLLM{}
			d := &Deps{LLM: model, Searcher: s, AllowWebSearch: tc.allow}
			turn, buf := newTurn()
			st := newState(t, datatypes.TurnRequest{Message: "news", Mode: "search", SkipWebSearch: tc.skip})

			out, err := NewSearch(d, false).Execute(context.Background(), st, turn)

			require.NoError(t, err)
			assert.Equal(t, graph.Final(), out)
			answer, _ := st.Output()
			assert.Equal(t, SearchDisabledMessage, answer)
			assert.Equal(t, SearchDisabledMessage, buf.Text())
			assert.Empty(t, buf.OfType(events.TypeSearchResults))
			assert.Empty(t, model.streamCalls)
		})
	}
	assert.Empty(t, s.queries)
}

func TestSearch_AgenticRunsSubQueries(t *testing.T) {
	s := &fakeSearcher{
		results: map[string][]datatypes.SearchResult{
			"go gc design":   {{Title: "GC", URL: "https://go.dev/gc"}},
			"go gc tuning":   {{Title: "GC again", URL: "https://go.dev/gc/"}, {Title: "Tuning", URL: "https://go.dev/tune"}},
			"go gc pauses":   nil,
			"never searched": {{Title: "x", URL: "https://x"}},
		},
		fail: map[string]bool{"go gc pauses": true},
	}
	model := &fakeLLM{
		replies: []string{"1. go gc design\n2. go gc tuning\n- go gc pauses\nnever searched"},
		tokens:  []string{"Answer [1]"},
	}
	d := &Deps{LLM: model, Searcher: s, AllowWebSearch: true}
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "deep research on go gc", Mode: "search_agentic"})

	out, err := NewSearch(d, true).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Final(), out)
	assert.Equal(t, []string{"go gc design", "go gc tuning", "go gc pauses"}, st.SearchQueries)
	assert.ElementsMatch(t, st.SearchQueries, s.queries)

	sr := buf.OfType(events.TypeSearchResults)
	require.Len(t, sr, 1)
	assert.Equal(t, IDSearchAgentic, sr[0].Node)
	require.Len(t, sr[0].Results, 2, "duplicates by URL are dropped")
	assert.Len(t, buf.OfType(events.TypeActivity), 3)
	assert.NotEmpty(t, buf.OfType(events.TypeStatus), "the failed query is reported")

	answer, _ := st.Output()
	assert.Equal(t, "Answer [1]", answer)
}

func TestSearch_FastUsesInput(t *testing.T) {
	s := &fakeSearcher{results: map[string][]datatypes.SearchResult{"oslo weather": {{Title: "Yr", URL: "https://yr.no"}}}}
	model := &fakeLLM{tokens: []string{"Rainy."}}
	d := &Deps{LLM: model, Searcher: s, AllowWebSearch: true}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "oslo weather", Mode: "search"})

	_, err := NewSearch(d, false).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, []string{"oslo weather"}, s.queries)
	assert.Empty(t, model.chatCalls, "fast search makes no sub-query call")
	cached, ok := st.CachedContext(st.PipelineMode())
	require.True(t, ok)
	assert.Len(t, cached.WebResults, 1)
}

type fakeRetriever struct {
	sessions []string
}

func (f *fakeRetriever) Search(_ context.Context, _ []float32, _ int, sessionID string) ([]datatypes.RetrievedChunk, error) {
	f.sessions = append(f.sessions, sessionID)
	return []datatypes.RetrievedChunk{{ID: "c1", Source: "notes.md", Content: "GC pacer notes"}}, nil
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func TestSearch_PromotedSearchUsesDeepResearchContext(t *testing.T) {
	input := "explain " + strings.Repeat("how the go garbage collector paces itself ", 6)
	require.Greater(t, len([]rune(input)), 200)

	store := &fakeRetriever{}
	s := &fakeSearcher{results: map[string][]datatypes.SearchResult{input: {{Title: "GC", URL: "https://go.dev/gc"}}}}
	model := &fakeLLM{tokens: []string{"Deep answer."}}
	d := &Deps{
		LLM:            model,
		Searcher:       s,
		AllowWebSearch: true,
		Pipeline: pipeline.New(pipeline.DefaultConfig(),
			workers.NewSystem(nil),
			workers.NewRag(store, unitEmbedder{}, 0),
		),
	}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: input, Mode: "search"})

	_, err := NewSearch(d, true).Execute(context.Background(), st, turn)
	require.NoError(t, err)

	_, fast := st.CachedContext(pipeline.ModeSearchFast)
	assert.False(t, fast)
	pc, ok := st.CachedContext(pipeline.ModeSearchAgentic)
	require.True(t, ok)
	assert.Equal(t, pipeline.ModeSearchAgentic, pc.Mode)
	assert.Equal(t, []string{"s1"}, store.sessions, "retrieval runs in deep research")
	require.Len(t, pc.RetrievedChunks, 1)

	system := model.lastStream(t)[0].Content
	assert.Contains(t, system, workers.ModeInstruction(pipeline.ModeSearchAgentic))
	assert.NotContains(t, system, workers.ModeInstruction(pipeline.ModeSearchFast))
}

func TestParseQueries(t *testing.T) {
	got := ParseQueries("1. Go 1.22 release notes\n- \"go 1.22 release notes\"\n* 2024 election\n\n3) rust async", 3)
	assert.Equal(t, []string{"Go 1.22 release notes", "2024 election", "rust async"}, got)
}

// =============================================================================
// Supervisor and Planner
// =============================================================================

func TestSupervisor(t *testing.T) {
	tests := []struct {
		name      string
		req       datatypes.TurnRequest
		want      graph.Outcome
		wantAgent string
	}{
		{"direct unknown agent", datatypes.TurnRequest{Message: "q", Mode: "agent", AgentMode: "direct", AgentID: "ghost"},
			graph.Failed("agent 'ghost' is not available or enabled"), ""},
		{"direct known agent", datatypes.TurnRequest{Message: "q", Mode: "agent", AgentMode: "direct", AgentID: "coder"},
			graph.Branch(LabelAgent), "coder"},
		{"high plans", datatypes.TurnRequest{Message: "q", Mode: "agent", AgentMode: "high"},
			graph.Branch(LabelPlanner), "general"},
		{"low simple", datatypes.TurnRequest{Message: "fix this bug", Mode: "agent"},
			graph.Branch(LabelAgent), "coder"},
		{"low multi-step", datatypes.TurnRequest{Message: "first research sources, then write a summary", Mode: "agent"},
			graph.Branch(LabelPlanner), "researcher"},
		{"low long", datatypes.TurnRequest{Message: strings.Repeat("x ", 200), Mode: "agent", AgentMode: "fast"},
			graph.Branch(LabelPlanner), "general"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &Deps{Agents: mustRegistry(t)}
			turn, buf := newTurn()
			st := newState(t, tc.req)

			out, err := NewSupervisor(d).Execute(context.Background(), st, turn)

			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
			assert.Equal(t, tc.wantAgent, st.SelectedAgentID)
			if tc.want.Kind == graph.OutcomeBranch {
				require.NotNil(t, st.Route)
				assert.Len(t, buf.OfType(events.TypeStatus), 1)
			}
		})
	}
}

func TestIsComplexTask(t *testing.T) {
	assert.True(t, IsComplexTask("Plan a trip"))
	assert.True(t, IsComplexTask("首先下载数据，然后分析"))
	assert.False(t, IsComplexTask("what is the firstborn's name"), "keywords match whole words only")
	assert.False(t, IsComplexTask("hello"))
}

func TestPlanner(t *testing.T) {
	model := &fakeLLM{replies: []string{"- look it up\n- answer"}}
	d := &Deps{LLM: model, Agents: mustRegistry(t)}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
	st.SelectedAgentID = "researcher"

	out, err := NewPlanner(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.ContinueTo(IDAgentExecutor), out)
	assert.Equal(t, "- look it up\n- answer", st.Shared.CurrentPlan)
	assert.Contains(t, model.chatCalls[0][0].Content, "Gathers sources")
}

func TestPlanner_EmptyOutputUsesCannedPlan(t *testing.T) {
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})

	out, err := NewPlanner(&Deps{LLM: &fakeLLM{replies: []string{"   "}}}).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.ContinueTo(IDAgentExecutor), out)
	assert.Equal(t, cannedPlan, st.Shared.CurrentPlan)
	assert.Equal(t, 4, strings.Count(st.Shared.CurrentPlan, "- "))
}

func TestPlanner_ProviderErrorFailsNode(t *testing.T) {
	providerErr := errors.New("provider 500")
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})

	_, err := NewPlanner(&Deps{LLM: &fakeLLM{chatErr: providerErr}}).Execute(context.Background(), st, turn)

	require.ErrorIs(t, err, providerErr)
	assert.Empty(t, st.Shared.CurrentPlan, "no plan is substituted")
	assert.Empty(t, buf.OfType(events.TypeStatus))
}

// =============================================================================
// Agent executor
// =============================================================================

func TestAgentExecutor_PendingCall(t *testing.T) {
	tl := &fakeTools{results: map[string]tools.Result{"web_search": {
		Output:        "3 results",
		SearchResults: []datatypes.SearchResult{{Title: "a", URL: "https://a"}},
	}}}
	model := &fakeLLM{}
	d := &Deps{LLM: model, Tools: tl}
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
	st.PendingToolCall = &state.ToolCall{Name: "web_search", Args: map[string]any{"query": "q"}}

	out, err := NewAgentExecutor(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Continue(), out)
	assert.Nil(t, st.PendingToolCall)
	assert.Empty(t, model.chatCalls, "a pending call needs no model call")
	require.Len(t, st.Shared.Artifacts, 1)
	assert.Equal(t, state.Artifact{Name: "web_search", Content: "3 results"}, st.Shared.Artifacts[0])
	require.Len(t, st.Scratchpad, 1)
	assert.Equal(t, datatypes.RoleTool, st.Scratchpad[0].Role)
	assert.Equal(t, "Tool 'web_search' result:\n3 results", st.Scratchpad[0].Content)
	assert.Len(t, st.SearchResults, 1)
	assert.Len(t, buf.OfType(events.TypeSearchResults), 1)
}

func TestAgentExecutor_OutputSurvivesTokenBudget(t *testing.T) {
	page := strings.Repeat("go scheduler notes ", 250) + "END-OF-PAGE"
	require.Greater(t, len(page), 4000)
	tl := &fakeTools{results: map[string]tools.Result{"web_search": {Output: page}}}
	model := &fakeLLM{tokens: []string{"Summary."}}
	d := &Deps{LLM: model, Tools: tl, Budget: pipeline.TokenBudget{Max: 400}}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "summarise the page", Mode: "agent"})
	st.PendingToolCall = &state.ToolCall{Name: "web_search", Args: map[string]any{"query": "go scheduler"}}

	_, err := NewAgentExecutor(d).Execute(context.Background(), st, turn)
	require.NoError(t, err)
	_, err = NewSynthesizer(d).Execute(context.Background(), st, turn)
	require.NoError(t, err)

	var toolMsgs []datatypes.Message
	for _, m := range model.lastStream(t) {
		if m.Role == datatypes.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 1)
	assert.Contains(t, toolMsgs[0].Content, "END-OF-PAGE")
}

func TestToolResultNote(t *testing.T) {
	assert.Equal(t, "Tool 'clock' result:\n12:00", toolResultNote("clock", " 12:00\n"))
	assert.Equal(t, "Tool 'clock' returned no output.", toolResultNote("clock", "  "))
}

func TestAgentExecutor_ModelChoiceIsRepaired(t *testing.T) {
	tl := &fakeTools{results: map[string]tools.Result{"current_time": {Output: "12:00"}}}
	model := &fakeLLM{replies: []string{`Sure: {'tool': 'current_time', 'args': {'timezone': 'UTC'},}`}}
	d := &Deps{LLM: model, Tools: tl}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "what time is it", Mode: "agent"})
	st.Shared.CurrentPlan = "- check the clock"

	_, err := NewAgentExecutor(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	require.Len(t, tl.calls, 1)
	assert.Equal(t, "current_time", tl.calls[0].Name)
	assert.Equal(t, "UTC", tl.calls[0].Args["timezone"])
	assert.Contains(t, model.chatCalls[0][0].Content, "- check the clock")
}

func TestAgentExecutor_ToolFailure(t *testing.T) {
	tl := &fakeTools{errs: map[string]error{"fetch_url": errors.New("404")}}
	d := &Deps{LLM: &fakeLLM{}, Tools: tl}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
	st.PendingToolCall = &state.ToolCall{Name: "fetch_url"}

	out, err := NewAgentExecutor(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Continue(), out)
	require.Len(t, st.Scratchpad, 1)
	assert.Equal(t, "Tool 'fetch_url' failed: 404", st.Scratchpad[0].Content)
	assert.Equal(t, "Tool 'fetch_url' failed: 404", st.Shared.Artifacts[0].Content)
}

func TestAgentExecutor_NoToolNeeded(t *testing.T) {
	tl := &fakeTools{}
	d := &Deps{LLM: &fakeLLM{replies: []string{`{"tool": "none"}`}}, Tools: tl}
	turn, _ := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "hello", Mode: "agent"})

	out, err := NewAgentExecutor(d).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Continue(), out)
	assert.Empty(t, tl.calls)
	assert.Empty(t, st.Shared.Artifacts)
}

func TestAgentExecutor_Approval(t *testing.T) {
	for _, approve := range []bool{true, false} {
		tl := &fakeTools{
			approval: map[string]bool{"delete_file": true},
			results:  map[string]tools.Result{"delete_file": {Output: "deleted"}},
		}
		registry := approval.NewRegistry()
		sink := &approvingSink{registry: registry, approve: approve}
		turn := &graph.TurnContext{TurnID: "t1", Sink: sink, Approvals: registry}
		st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
		st.PendingToolCall = &state.ToolCall{Name: "delete_file", Args: map[string]any{"path": "/tmp/x"}}

		_, err := NewAgentExecutor(&Deps{LLM: &fakeLLM{}, Tools: tl}).Execute(context.Background(), st, turn)

		require.NoError(t, err)
		assert.Equal(t, 0, registry.Len())
		if approve {
			assert.Len(t, tl.calls, 1)
			assert.Equal(t, "deleted", st.Shared.Artifacts[0].Content)
		} else {
			assert.Empty(t, tl.calls)
			assert.Equal(t, "Tool 'delete_file' was not approved: user said so", st.Shared.Artifacts[0].Content)
		}
	}
}

func TestAgentExecutor_NoApprovalRegistryDenies(t *testing.T) {
	tl := &fakeTools{approval: map[string]bool{"delete_file": true}}
	turn := &graph.TurnContext{TurnID: "t1", Sink: &events.Buffer{}}
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
	st.PendingToolCall = &state.ToolCall{Name: "delete_file"}

	_, err := NewAgentExecutor(&Deps{LLM: &fakeLLM{}, Tools: tl}).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Empty(t, tl.calls)
	assert.Contains(t, st.Scratchpad[0].Content, "was not approved")
}

// =============================================================================
// Synthesizer
// =============================================================================

func TestSynthesizer(t *testing.T) {
	model := &fakeLLM{tokens: []string{"Done."}}
	turn, buf := newTurn()
	st := newState(t, datatypes.TurnRequest{Message: "q", Mode: "agent"})
	st.Shared.CurrentPlan = "- step one"
	st.Shared.Artifacts = []state.Artifact{{Name: "current_time", Content: "12:00"}}
	st.AppendScratchpad(datatypes.RoleTool, toolResultNote("current_time", "12:00"))

	out, err := NewSynthesizer(&Deps{LLM: model}).Execute(context.Background(), st, turn)

	require.NoError(t, err)
	assert.Equal(t, graph.Final(), out)
	answer, _ := st.Output()
	assert.Equal(t, "Done.", answer)
	assert.Equal(t, "Done.", buf.Text())

	msgs := model.lastStream(t)
	require.Len(t, msgs, 3)
	system := msgs[0].Content
	assert.True(t, strings.HasPrefix(system, defaultPrompts.synthesizer), system)
	assert.Contains(t, system, "- step one")
	assert.Contains(t, system, "--- current_time\n12:00")
	assert.Equal(t, datatypes.RoleTool, msgs[1].Role)
	assert.Equal(t, "q", msgs[2].Content)
}

func TestAll_UniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for _, n := range All(&Deps{}) {
		assert.False(t, seen[n.ID()], n.ID())
		seen[n.ID()] = true
	}
	assert.Len(t, seen, 9)
}
