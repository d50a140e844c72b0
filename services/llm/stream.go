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
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// =============================================================================
// Stream events
// =============================================================================

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	// StreamEventToken is a fragment of the visible answer.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking is a fragment of model reasoning.
	StreamEventThinking StreamEventType = "thinking"
	// StreamEventError reports a provider error inside the stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one callback invocation during ChatStream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in order. Returning an error stops
// the stream and ChatStream returns it wrapped.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream configuration
// =============================================================================

// StreamConfig limits what a stream may deliver.
//
// # Description
//
// Zero lengths mean unlimited. RateLimitPerSecond throttles callback
// delivery; zero disables throttling.
type StreamConfig struct {
	RedactThinking     bool
	MaxThinkingLength  int
	MaxResponseLength  int
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the limits used by ChatStream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:     false,
		MaxThinkingLength:  0,
		MaxResponseLength:  100 * 1024,
		RateLimitPerSecond: 0,
	}
}

// =============================================================================
// Stream processor
// =============================================================================

// DefaultStreamProcessor turns decoded NDJSON chunks into callback events
// while enforcing StreamConfig.
//
// # Thread Safety
//
// Not safe for concurrent use. One processor serves one stream.
type DefaultStreamProcessor struct {
	config         StreamConfig
	logger         *slog.Logger
	limiter        *rate.Limiter
	tokenCount     int
	responseLength int
	thinkingLength int
}

// NewDefaultStreamProcessor creates a processor. A nil logger uses
// slog.Default().
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &DefaultStreamProcessor{config: cfg, logger: logger}
	if cfg.RateLimitPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return p
}

// ProcessChunk forwards one chunk.
//
// # Outputs
//
//   - bool: True when the stream is finished (done flag or error chunk).
//   - error: Provider error carried by the chunk, or the callback's error.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error) {
	if chunk.Error != "" {
		if err := p.emit(ctx, callback, StreamEvent{Type: StreamEventError, Error: chunk.Error}); err != nil {
			p.logger.Warn("callback failed while reporting stream error", "error", err)
		}
		return true, fmt.Errorf("stream error from model: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.config.RedactThinking {
		text := clip(chunk.Thinking, p.config.MaxThinkingLength, p.thinkingLength)
		if text != "" {
			p.thinkingLength += len(text)
			if err := p.emit(ctx, callback, StreamEvent{Type: StreamEventThinking, Content: text}); err != nil {
				return true, err
			}
		}
	}

	if chunk.Message.Content != "" {
		text := clip(chunk.Message.Content, p.config.MaxResponseLength, p.responseLength)
		if text == "" {
			p.logger.Debug("response length limit reached, dropping content",
				"limit", p.config.MaxResponseLength)
		} else {
			p.responseLength += len(text)
			p.tokenCount++
			if err := p.emit(ctx, callback, StreamEvent{Type: StreamEventToken, Content: text}); err != nil {
				return true, err
			}
		}
	}

	return chunk.Done, nil
}

// GetTokenCount returns how many content tokens were forwarded.
func (p *DefaultStreamProcessor) GetTokenCount() int { return p.tokenCount }

// GetResponseLength returns the forwarded content length in bytes.
func (p *DefaultStreamProcessor) GetResponseLength() int { return p.responseLength }

func (p *DefaultStreamProcessor) emit(ctx context.Context, callback StreamCallback, ev StreamEvent) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := callback(ev); err != nil {
		return fmt.Errorf("stream callback aborted: %w", err)
	}
	return nil
}

// clip returns the part of text that fits in limit given used bytes so far.
func clip(text string, limit, used int) string {
	if limit <= 0 {
		return text
	}
	remaining := limit - used
	if remaining <= 0 {
		return ""
	}
	if len(text) > remaining {
		return text[:remaining]
	}
	return text
}
