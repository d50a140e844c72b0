// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the model-inference backends used by the
// orchestrator: a local Ollama server and the OpenAI and Anthropic APIs.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// ErrEmbeddingsUnsupported is returned by backends without an embedding
// endpoint.
var ErrEmbeddingsUnsupported = errors.New("backend does not support embeddings")

// GenerationParams tunes a single completion. Nil fields use the backend
// default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONMode asks the backend for a JSON object response where supported.
	JSONMode bool `json:"json_mode"`

	// EnableThinking requests reasoning tokens from models that produce them.
	EnableThinking bool `json:"enable_thinking"`
	BudgetTokens   int  `json:"budget_tokens"`
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams literals.
func Int(v int) *int { return &v }

// LLMClient defines the standard interface for any chat backend.
type LLMClient interface {
	// Chat returns the complete assistant reply.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream delivers the reply incrementally through callback. The
	// stream is finite and cannot be restarted. A callback error aborts it.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// Embedder turns texts into fixed-length vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client is a backend that can both chat and embed.
type Client interface {
	LLMClient
	Embedder
}
