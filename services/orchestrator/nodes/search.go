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
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/state"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/websearch"
)

// SearchDisabledMessage is the whole answer of a search turn that may not
// reach the web.
const SearchDisabledMessage = "Web search is disabled or skipped."

// MaxSubQueries bounds the queries an agentic search runs.
const MaxSubQueries = 3

// Search answers from web results. The agentic variant first expands the
// input into sub-queries and runs them in parallel.
type Search struct {
	graph.BaseNode
	deps    *Deps
	agentic bool
}

// NewSearch returns the search node, or the agentic search node when
// agentic is set.
func NewSearch(d *Deps, agentic bool) *Search {
	n := &Search{BaseNode: graph.BaseNode{NodeID: IDSearch, NodeName: "Search"}, deps: d, agentic: agentic}
	if agentic {
		n.BaseNode = graph.BaseNode{NodeID: IDSearchAgentic, NodeName: "Agentic Search"}
	}
	return n
}

// Execute runs the search and streams a synthesized answer.
//
// # Description
//
// With the privacy switch off, or the turn opting out, the node answers
// SearchDisabledMessage and emits no search results. Otherwise results of
// all queries are merged, de-duplicated by URL and reranked by embedding
// similarity (left unranked when embedding fails). The results seed the
// search worker so the pipeline does not query again.
func (n *Search) Execute(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) (graph.Outcome, error) {
	if !n.deps.AllowWebSearch || st.SkipWebSearch || n.deps.Searcher == nil {
		if err := tc.Emit(ctx, events.Chunk(SearchDisabledMessage)); err != nil {
			return graph.Outcome{}, err
		}
		st.SetOutput(SearchDisabledMessage)
		return graph.Final(), nil
	}

	queries := []string{st.Input}
	if n.agentic {
		queries = n.subQueries(ctx, st, tc)
	}
	st.SearchQueries = queries

	results := n.searchAll(ctx, st, tc, queries)
	if len(results) > 0 && n.deps.Embedder != nil {
		ranked, err := websearch.Rerank(ctx, n.deps.Embedder, st.Input, results)
		if err != nil {
			tc.Log().Warn("Rerank failed, keeping provider order", "session_id", st.SessionID, "error", err)
		}
		results = ranked
	}
	st.SearchResults = results

	if len(results) > 0 {
		if err := tc.Emit(ctx, events.SearchResults(n.ID(), results)); err != nil {
			return graph.Outcome{}, err
		}
	} else {
		status(ctx, tc, n.ID(), "No web results found, answering from what is known")
	}

	pc, err := n.deps.buildContext(ctx, st, n.contextMode(), func(pc *pipeline.Context) {
		pc.WebResults = results
		if len(results) == 0 {
			// Already searched; the worker must not try again.
			pc.SkipWebSearch = true
		}
	})
	if err != nil {
		return graph.Outcome{}, err
	}

	answer, err := n.deps.streamAnswer(ctx, tc, n.ID(), pc.Messages(), llm.GenerationParams{})
	if err != nil {
		return graph.Outcome{}, err
	}
	st.SetOutput(answer)
	return graph.Final(), nil
}

// contextMode follows the node, not the requested mode: a search turn the
// router promoted to agentic search gets the deep research context.
func (n *Search) contextMode() pipeline.Mode {
	if n.agentic {
		return pipeline.ModeSearchAgentic
	}
	return pipeline.ModeSearchFast
}

// subQueries asks the model for up to MaxSubQueries queries, falling back
// to the input itself.
func (n *Search) subQueries(ctx context.Context, st *state.AgentState, tc *graph.TurnContext) []string {
	msgs := []datatypes.Message{
		datatypes.NewSystemMessage(defaultPrompts.subQueries),
		datatypes.NewUserMessage(st.Input),
	}
	out, err := n.deps.LLM.Chat(ctx, msgs, llm.GenerationParams{
		Temperature: llm.Float32(0.2),
		MaxTokens:   llm.Int(200),
	})
	if err != nil {
		tc.Log().Warn("Sub-query generation failed, searching the input", "session_id", st.SessionID, "error", err)
		return []string{st.Input}
	}
	queries := ParseQueries(out, MaxSubQueries)
	if len(queries) == 0 {
		return []string{st.Input}
	}
	return queries
}

var listMarker = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// ParseQueries reads one query per line, dropping list markers, quotes and
// duplicates, and keeps at most limit.
func ParseQueries(text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		q = strings.Trim(q, "\"'` ")
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// searchAll runs queries in parallel. Failed queries are logged and left
// out; the merged results keep query order.
func (n *Search) searchAll(ctx context.Context, st *state.AgentState, tc *graph.TurnContext, queries []string) []datatypes.SearchResult {
	perQuery := make([][]datatypes.SearchResult, len(queries))
	failedAt := make([]bool, len(queries))
	var g errgroup.Group
	g.SetLimit(MaxSubQueries)
	for i, q := range queries {
		if n.agentic {
			_ = tc.Emit(ctx, events.Activity(n.ID(), "Searching: "+q))
		}
		g.Go(func() error {
			qctx, span := tracer.Start(ctx, "nodes.Search.query")
			defer span.End()
			span.SetAttributes(attribute.Int("search.query_index", i))

			found, err := n.deps.Searcher.PerformSearch(qctx, q)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				tc.Log().Warn("Web search failed", "session_id", st.SessionID, "query", q, "error", err)
				failedAt[i] = true
				return nil
			}
			span.SetAttributes(attribute.Int("search.results", len(found)))
			perQuery[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var merged []datatypes.SearchResult
	failed := 0
	for i, r := range perQuery {
		if failedAt[i] {
			failed++
		}
		merged = append(merged, r...)
	}
	if failed > 0 {
		status(ctx, tc, n.ID(), fmt.Sprintf("Web search failed for %d of %d queries", failed, len(queries)))
	}
	return websearch.Dedupe(merged)
}
