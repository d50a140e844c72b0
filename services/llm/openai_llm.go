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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// OpenAIConfig configures NewOpenAIClient.
type OpenAIConfig struct {
	// APIKey overrides the OPENAI_API_KEY / secret-file lookup.
	APIKey     string
	Model      string
	EmbedModel string
	// BaseURL targets an OpenAI-compatible server. Empty uses api.openai.com.
	BaseURL string
	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64
}

// OpenAIClient is a remote backend built on go-openai.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel string
	limiter    *rate.Limiter
}

// NewOpenAIClient creates a client. The key comes from cfg, then
// OPENAI_API_KEY, then /run/secrets/openai_api_key.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	var (
		key *secrets.Secret
		err error
	)
	if cfg.APIKey != "" {
		key, err = secrets.New("openai_api_key", cfg.APIKey)
	} else {
		key, err = secrets.Load("openai_api_key", "OPENAI_API_KEY", "/run/secrets/openai_api_key")
	}
	if err != nil {
		slog.Error("OpenAI API key not configured", "error", err)
		return nil, fmt.Errorf("OPENAI_API_KEY not set: %w", err)
	}
	// go-openai keeps the key in its config for the client's lifetime.
	plain, err := key.Reveal()
	if err != nil {
		return nil, err
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = string(openai.SmallEmbedding3)
	}

	clientCfg := openai.DefaultConfig(plain)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "embed_model", cfg.EmbedModel)

	return newOpenAIClientWithConfig(clientCfg, cfg), nil
}

func newOpenAIClientWithConfig(clientCfg openai.ClientConfig, cfg OpenAIConfig) *OpenAIClient {
	c := &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (o *OpenAIClient) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("openai rate limiter: %w", err)
	}
	return nil
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case datatypes.RoleAssistant, "ai", datatypes.RoleTool:
			// Tool output is replayed as assistant text; no tool_call ids exist.
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// Chat implements LLMClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if err := o.wait(ctx); err != nil {
		return "", err
	}
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", errors.New("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements LLMClient using server-sent chunks.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := o.wait(ctx); err != nil {
		return fail(err)
	}
	req := o.buildRequest(messages, params)
	req.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("OpenAI stream request failed: %w", err))
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
			return fail(fmt.Errorf("OpenAI stream failed: %w", err))
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
				return fail(fmt.Errorf("stream callback aborted: %w", err))
			}
		}
	}
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()
	if len(texts) == 0 {
		return nil, nil
	}
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("OpenAI embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("OpenAI returned embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
