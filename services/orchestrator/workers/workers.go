// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workers implements the context workers that enrich a
// pipeline.Context before a node calls the model.
//
// The workers run in a fixed order: System, Persona, Memory, Tool, Search,
// Rag. Each one checks the mode's capabilities itself and skips when it is
// not eligible, so the same pipeline serves every mode.
package workers

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/config"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
)

// Worker names, also used as metric labels.
const (
	NameSystem  = "system"
	NamePersona = "persona"
	NameMemory  = "memory"
	NameTool    = "tool"
	NameSearch  = "search"
	NameRag     = "rag"
)

// Defaults applied when Deps leaves a limit at zero.
const (
	DefaultHistoryLimit = 10
	DefaultTopK         = 5
)

// =============================================================================
// Collaborators
// =============================================================================

// Settings supplies the hot-reloadable prompt and persona sections.
// *config.Live satisfies it.
type Settings interface {
	Prompts() config.Prompts
	Persona() *pipeline.Persona
}

// HistoryStore returns the most recent stored messages of a session,
// oldest first.
type HistoryStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.HistoryRow, error)
}

// Retriever searches the retrieval store.
type Retriever interface {
	Search(ctx context.Context, vector []float32, limit int, sessionID string) ([]datatypes.RetrievedChunk, error)
}

// Searcher runs one web search.
type Searcher interface {
	PerformSearch(ctx context.Context, query string) ([]datatypes.SearchResult, error)
}

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ToolCatalogue lists the tools the model may call.
type ToolCatalogue interface {
	Catalogue() []tools.Spec
}

// Deps holds everything the workers need. Nil collaborators make the
// corresponding worker skip.
type Deps struct {
	Settings Settings

	History      HistoryStore
	HistoryLimit int

	Retriever Retriever
	Embedder  Embedder
	TopK      int

	Searcher Searcher
	// AllowWebSearch is the process-wide privacy switch.
	AllowWebSearch bool

	Tools ToolCatalogue

	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewPipeline returns a pipeline running the six workers in order.
//
// # Inputs
//
//   - cfg: Retry and skip policy.
//   - d: Collaborators shared by every turn.
//
// # Outputs
//
//   - *pipeline.Pipeline: Ready to Run. Attach a logger and recorder with
//     WithLogger and WithRecorder.
func NewPipeline(cfg pipeline.Config, d Deps) *pipeline.Pipeline {
	return pipeline.New(cfg,
		NewSystem(d.Settings),
		NewPersona(d.Settings),
		NewMemory(d.History, d.HistoryLimit),
		NewTool(d.Tools),
		NewSearch(d.Searcher, d.Embedder, d.AllowWebSearch, d.logger()),
		NewRag(d.Retriever, d.Embedder, d.TopK),
	).WithLogger(d.logger())
}
