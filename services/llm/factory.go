// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Backend names accepted by New.
const (
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Config selects and configures a backend.
type Config struct {
	Backend           string        `yaml:"backend" validate:"required,oneof=ollama openai anthropic"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	EmbedModel        string        `yaml:"embed_model"`
	APIKey            string        `yaml:"-"`
	KeepAlive         string        `yaml:"keep_alive"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxConcurrent     int64         `yaml:"max_concurrent" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

// New builds the chat backend named by cfg.Backend.
//
// # Outputs
//
//   - Client: Chat and embed backend. Anthropic returns
//     ErrEmbeddingsUnsupported from Embed; pair it with NewEmbedder.
//   - error: Unknown backend or backend construction failure.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		return NewOllamaClient(OllamaConfig{
			BaseURL:       cfg.BaseURL,
			Model:         cfg.Model,
			EmbedModel:    cfg.EmbedModel,
			KeepAlive:     cfg.KeepAlive,
			Timeout:       cfg.Timeout,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	case BackendOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			EmbedModel:        cfg.EmbedModel,
			BaseURL:           cfg.BaseURL,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	case BackendAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// NewEmbedder returns the embedding backend for cfg. When cfg is empty the
// chat client is reused.
func NewEmbedder(cfg Config, chat Client) (Embedder, error) {
	if cfg.Backend == "" {
		return chat, nil
	}
	c, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding backend: %w", err)
	}
	slog.Info("Using separate embedding backend", "backend", cfg.Backend, "model", cfg.EmbedModel)
	return c, nil
}
