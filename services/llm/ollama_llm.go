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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.llm")

// maxStreamLine bounds a single NDJSON line.
const maxStreamLine = 1024 * 1024

// OllamaConfig configures NewOllamaClient.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
	// KeepAlive is passed through to Ollama ("-1" keeps the model loaded).
	KeepAlive string
	Timeout   time.Duration
	// MaxConcurrent is the number of generations allowed at once. The local
	// server runs one model instance, so the default is 1.
	MaxConcurrent int64
}

// OllamaClient talks to a local Ollama server.
//
// # Description
//
// Generations are serialized through a weighted semaphore: concurrent turns
// queue behind the active one instead of overloading the single inference
// process. Embedding calls are not serialized.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	embedModel string
	keepAlive  string
	gate       *semaphore.Weighted
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []datatypes.Message `json:"messages"`
	Stream    bool                `json:"stream"`
	Format    string              `json:"format,omitempty"`
	Think     *bool               `json:"think,omitempty"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Options   map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat response.
type ollamaStreamChunk struct {
	Message       datatypes.Message `json:"message"`
	Thinking      string            `json:"thinking,omitempty"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
	EvalCount     int               `json:"eval_count,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a client for the server at cfg.BaseURL.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL not set")
	}
	if cfg.Model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		cfg.Model = "gpt-oss"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client",
		"base_url", baseURL,
		"default_model", cfg.Model,
		"embed_model", cfg.EmbedModel,
		"max_concurrent", cfg.MaxConcurrent,
	)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		keepAlive:  cfg.KeepAlive,
		gate:       semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// acquire waits for the generation slot. The returned func releases it.
func (o *OllamaClient) acquire(ctx context.Context) (func(), error) {
	if o.gate == nil {
		return func() {}, nil
	}
	if err := o.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for local inference slot: %w", err)
	}
	return func() { o.gate.Release(1) }, nil
}

func (o *OllamaClient) buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaClient) buildChatRequest(messages []datatypes.Message, params GenerationParams, stream bool) ollamaChatRequest {
	req := ollamaChatRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: o.keepAlive,
		Options:   o.buildOptions(params),
	}
	if params.JSONMode {
		req.Format = "json"
	}
	if params.EnableThinking {
		think := true
		req.Think = &think
	}
	return req
}

func (o *OllamaClient) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request to %s failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, o.statusError(resp.StatusCode, respBody)
	}
	return resp, nil
}

func (o *OllamaClient) statusError(status int, body []byte) error {
	if status == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", o.model)
			return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
		}
	}
	slog.Error("Ollama returned an error", "status_code", status, "response", string(body))
	return fmt.Errorf("ollama failed with status %d: %s", status, strings.TrimSpace(string(body)))
}

// Chat implements LLMClient.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	release, err := o.acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer release()

	resp, err := o.post(ctx, "/api/chat", o.buildChatRequest(messages, params, false), "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse Ollama chat response: %w", err)
	}
	if chatResp.Message.Role != datatypes.RoleAssistant {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", chatResp.Message.Role)
	}
	return chatResp.Message.Content, nil
}

// ChatStream implements LLMClient with DefaultStreamConfig.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams a chat completion as NDJSON.
//
// # Description
//
// Each line is decoded and handed to a DefaultStreamProcessor. Empty and
// malformed lines are skipped. The stream ends at the first done or error
// chunk, on callback error, or when ctx is cancelled.
//
// # Outputs
//
//   - error: HTTP status error, in-stream model error, callback error, or
//     the context error.
func (o *OllamaClient) ChatStreamWithConfig(
	ctx context.Context,
	messages []datatypes.Message,
	params GenerationParams,
	callback StreamCallback,
	cfg StreamConfig,
) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return fail(err)
	}
	defer release()

	resp, err := o.post(ctx, "/api/chat", o.buildChatRequest(messages, params, true), "application/x-ndjson")
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	processor := NewDefaultStreamProcessor(cfg, nil)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("ollama stream cancelled: %w", err))
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := o.parseStreamChunk(line)
		if err != nil {
			slog.Warn("Skipping malformed stream line", "error", err)
			continue
		}
		done, err := processor.ProcessChunk(ctx, chunk, callback)
		if err != nil {
			return fail(err)
		}
		if done {
			span.SetAttributes(
				attribute.Int("llm.tokens", processor.GetTokenCount()),
				attribute.String("llm.done_reason", chunk.DoneReason),
			)
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(fmt.Errorf("ollama stream cancelled: %w", ctxErr))
		}
		return fail(fmt.Errorf("reading ollama stream: %w", err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fail(fmt.Errorf("ollama stream cancelled: %w", ctxErr))
	}
	slog.Debug("Ollama stream ended without done flag", "tokens", processor.GetTokenCount())
	return nil
}

// parseStreamChunk decodes one NDJSON line. Only JSON objects are accepted.
func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("stream line is not a JSON object: %q", string(trimmed))
	}
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("decoding stream line: %w", err)
	}
	return &chunk, nil
}

// Embed implements Embedder using /api/embed.
func (o *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.embed_model", o.embedModel),
		attribute.Int("llm.num_inputs", len(texts)),
	)
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := o.post(ctx, "/api/embed", ollamaEmbedRequest{
		Model:     o.embedModel,
		Input:     texts,
		KeepAlive: o.keepAlive,
	}, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama embed response: %w", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(embedResp.Embeddings), len(texts))
	}
	return embedResp.Embeddings, nil
}

// Warm loads the chat model so the first turn does not pay the load cost.
func (o *OllamaClient) Warm(ctx context.Context) error {
	start := time.Now()
	slog.Info("Warming model", "model", o.model, "keep_alive", o.keepAlive)

	resp, err := o.post(ctx, "/api/chat", ollamaChatRequest{
		Model:     o.model,
		Messages:  []datatypes.Message{datatypes.NewUserMessage("ping")},
		KeepAlive: o.keepAlive,
	}, "")
	if err != nil {
		return fmt.Errorf("warming model %s: %w", o.model, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Info("Model warmed successfully", "model", o.model, "load_duration", time.Since(start))
	return nil
}
