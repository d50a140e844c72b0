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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

const (
	anthropicAPIVersion  = "2023-06-01"
	anthropicMessagesURL = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens   = 4096
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Thinking  *thinkingParams    `json:"thinking,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type thinkingParams struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

// anthropicStreamEvent is the data payload of one SSE event.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicConfig configures NewAnthropicClient.
type AnthropicConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// AnthropicClient calls the Messages API over plain HTTP. The API key stays
// sealed and is opened only while a request header is written.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     *secrets.Secret
	model      string
	url        string
	limiter    *rate.Limiter
}

// NewAnthropicClient creates a client. The key comes from cfg, then
// ANTHROPIC_API_KEY, then /run/secrets/anthropic_api_key.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	var (
		key *secrets.Secret
		err error
	)
	if cfg.APIKey != "" {
		key, err = secrets.New("anthropic_api_key", cfg.APIKey)
	} else {
		key, err = secrets.Load("anthropic_api_key", "ANTHROPIC_API_KEY", "/run/secrets/anthropic_api_key")
	}
	if err != nil {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20240620"
		slog.Info("Anthropic model not set, defaulting", "model", cfg.Model)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicMessagesURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	c := &AnthropicClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiKey:     key,
		model:      cfg.Model,
		url:        cfg.BaseURL,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

func (a *AnthropicClient) buildRequest(messages []datatypes.Message, params GenerationParams, stream bool) anthropicRequest {
	var apiMessages []anthropicMessage
	var system []string
	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case datatypes.RoleSystem:
			system = append(system, msg.Content)
		case datatypes.RoleAssistant, "ai", datatypes.RoleTool:
			apiMessages = append(apiMessages, anthropicMessage{Role: "assistant", Content: msg.Content})
		default:
			apiMessages = append(apiMessages, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	req := anthropicRequest{
		Model:       a.model,
		Messages:    apiMessages,
		MaxTokens:   anthropicMaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
		Stream:      stream,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(system) > 0 {
		prompt := strings.Join(system, "\n\n")
		block := systemBlock{Type: "text", Text: prompt}
		if len(prompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		req.System = []systemBlock{block}
	}
	if params.EnableThinking && params.BudgetTokens > 0 {
		req.Thinking = &thinkingParams{Type: "enabled", BudgetTokens: params.BudgetTokens}
		// Budget plus room for the answer.
		if minRequired := params.BudgetTokens + 2048; req.MaxTokens < minRequired {
			req.MaxTokens = minRequired
		}
		// Extended thinking rejects sampling overrides.
		req.Temperature, req.TopP, req.TopK = nil, nil, nil
	}
	return req
}

func (a *AnthropicClient) do(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("anthropic rate limiter: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	if payload.Stream {
		req.Header.Set("accept", "text/event-stream")
	}

	var resp *http.Response
	err = a.apiKey.Use(func(key string) error {
		req.Header.Set("x-api-key", key)
		var doErr error
		resp, doErr = a.httpClient.Do(req)
		req.Header.Del("x-api-key")
		return doErr
	})
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp, nil
}

// Chat implements LLMClient.
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	resp, err := a.do(ctx, a.buildRequest(messages, params, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			slog.Debug("Claude thinking block received", "length", len(block.Thinking))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("received content but no text block found")
	}
	return text.String(), nil
}

// ChatStream implements LLMClient over the Messages API event stream.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resp, err := a.do(ctx, a.buildRequest(messages, params, true))
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			slog.Warn("Skipping malformed Anthropic stream event", "error", err)
			continue
		}

		var out *StreamEvent
		switch ev.Type {
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				out = &StreamEvent{Type: StreamEventToken, Content: ev.Delta.Text}
			case "thinking_delta":
				out = &StreamEvent{Type: StreamEventThinking, Content: ev.Delta.Thinking}
			}
		case "error":
			msg := "unknown stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			_ = callback(StreamEvent{Type: StreamEventError, Error: msg})
			return fail(fmt.Errorf("anthropic stream error: %s", msg))
		case "message_stop":
			return nil
		}
		if out == nil || out.Content == "" {
			continue
		}
		if err := callback(*out); err != nil {
			return fail(fmt.Errorf("stream callback aborted: %w", err))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(fmt.Errorf("anthropic stream cancelled: %w", ctxErr))
		}
		return fail(fmt.Errorf("reading anthropic stream: %w", err))
	}
	return nil
}

// Embed implements Embedder. The Messages API has no embedding endpoint.
func (a *AnthropicClient) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrEmbeddingsUnsupported
}
