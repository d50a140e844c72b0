// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/websearch"
)

// ToolCallInstruction tells the model how to request a tool.
const ToolCallInstruction = `To use a tool, reply with only a JSON object of the form
{"tool": "<name>", "args": {...}}
Available tools:`

// =============================================================================
// Tool
// =============================================================================

// Tool advertises the tool catalogue in agent modes.
type Tool struct {
	catalogue ToolCatalogue
}

// NewTool returns the tool worker.
func NewTool(catalogue ToolCatalogue) *Tool {
	return &Tool{catalogue: catalogue}
}

func (w *Tool) Name() string { return NameTool }

func (w *Tool) Execute(_ context.Context, pc *pipeline.Context) error {
	if !pc.Mode.HasTools() {
		return pipeline.Skip("mode " + pc.Mode.String() + " has no tools")
	}
	if w.catalogue == nil {
		return pipeline.Skip("no tool executor")
	}
	specs := w.catalogue.Catalogue()
	if len(specs) == 0 {
		return pipeline.Skip("tool catalogue is empty")
	}
	var b strings.Builder
	b.WriteString(ToolCallInstruction)
	for _, s := range specs {
		b.WriteString("\n")
		b.WriteString(s.Line())
	}
	pc.AddSystemPart(PartTools, b.String(), pipeline.PriorityTools)
	return nil
}

// =============================================================================
// Search
// =============================================================================

// Search adds web results in search-capable modes.
//
// # Description
//
// Nothing leaves the host unless the privacy switch is on and the turn did
// not opt out. Results a node already placed in pc.WebResults are reused
// instead of searching again. A failed search skips; a failed rerank only
// leaves the results in provider order.
type Search struct {
	searcher Searcher
	embedder Embedder
	allow    bool
	logger   *slog.Logger
}

// NewSearch returns the search worker.
func NewSearch(searcher Searcher, embedder Embedder, allow bool, logger *slog.Logger) *Search {
	if logger == nil {
		logger = slog.Default()
	}
	return &Search{
		searcher: searcher,
		embedder: embedder,
		allow:    allow,
		logger:   logger.With("component", "search_worker"),
	}
}

func (w *Search) Name() string { return NameSearch }

func (w *Search) Execute(ctx context.Context, pc *pipeline.Context) error {
	switch {
	case !pc.Mode.HasWebSearch():
		return pipeline.Skip("mode " + pc.Mode.String() + " has no web search")
	case !w.allow:
		return pipeline.Skip("web search disabled by privacy settings")
	case pc.SkipWebSearch:
		return pipeline.Skip("web search skipped for this turn")
	}

	results := pc.WebResults
	if len(results) == 0 {
		if w.searcher == nil {
			return pipeline.Skip("no search provider")
		}
		found, err := w.searcher.PerformSearch(ctx, pc.Query)
		if err != nil {
			return pipeline.SkipErr("web search failed", err)
		}
		results = websearch.Dedupe(found)
		if w.embedder != nil {
			ranked, err := websearch.Rerank(ctx, w.embedder, pc.Query, results)
			if err != nil {
				w.logger.Warn("Rerank failed, keeping provider order",
					"session_id", pc.SessionID, "error", err)
			}
			results = ranked
		}
	}
	if len(results) == 0 {
		return pipeline.Skip("web search returned no results")
	}
	pc.WebResults = results
	pc.AddSystemPart(PartWebResults, RenderWebResults(results), pipeline.PriorityWebSearch)
	return nil
}

// RenderWebResults numbers results for inline [n] citations.
func RenderWebResults(results []datatypes.SearchResult) string {
	var b strings.Builder
	b.WriteString("Web results:")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s (%s)", i+1, r.Title, r.URL)
		if s := strings.TrimSpace(r.Snippet); s != "" {
			b.WriteString("\n")
			b.WriteString(s)
		}
	}
	return b.String()
}

// =============================================================================
// Rag
// =============================================================================

// Rag adds chunks from the retrieval store, scoped to the session.
type Rag struct {
	store    Retriever
	embedder Embedder
	topK     int
}

// NewRag returns the retrieval worker. topK <= 0 uses DefaultTopK.
func NewRag(store Retriever, embedder Embedder, topK int) *Rag {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Rag{store: store, embedder: embedder, topK: topK}
}

func (w *Rag) Name() string { return NameRag }

func (w *Rag) Execute(ctx context.Context, pc *pipeline.Context) error {
	if !pc.Mode.HasRAG() {
		return pipeline.Skip("mode " + pc.Mode.String() + " has no retrieval")
	}
	if w.store == nil || w.embedder == nil {
		return pipeline.Skip("retrieval store not configured")
	}
	query := strings.TrimSpace(pc.Query)
	if query == "" {
		return pipeline.Skip("empty query")
	}
	vectors, err := w.embedder.Embed(ctx, []string{query})
	if err != nil {
		return pipeline.SkipErr("embedding failed", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return pipeline.SkipErr("embedding failed", errors.New("embedder returned no vector"))
	}
	chunks, err := w.store.Search(ctx, vectors[0], w.topK, pc.SessionID)
	if err != nil {
		return pipeline.Retry(fmt.Errorf("retrieval search: %w", err))
	}
	pc.RetrievedChunks = chunks
	if len(chunks) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge:")
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n--- %s\n%s", c.Source, strings.TrimSpace(c.Content))
	}
	pc.AddSystemPart(PartRetrieval, b.String(), pipeline.PriorityRetrieval)
	return nil
}
