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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// =============================================================================
// Helpers
// =============================================================================

// newTestOllamaClient creates an OllamaClient pointing to a test server,
// bypassing NewOllamaClient's defaults.
func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
		embedModel: "embed-test",
	}
}

func ndjson(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}
}

func userHi() []datatypes.Message {
	return []datatypes.Message{datatypes.NewUserMessage("Hi")}
}

func collectTokens(dst *strings.Builder) StreamCallback {
	return func(ev StreamEvent) error {
		if ev.Type == StreamEventToken {
			dst.WriteString(ev.Content)
		}
		return nil
	}
}

// =============================================================================
// Stream processor
// =============================================================================

func TestStreamProcessor_ContentToken(t *testing.T) {
	p := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)
	var got StreamEvent

	done, err := p.ProcessChunk(context.Background(),
		&ollamaStreamChunk{Message: datatypes.Message{Role: "assistant", Content: "Hello"}},
		func(ev StreamEvent) error { got = ev; return nil })

	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StreamEvent{Type: StreamEventToken, Content: "Hello"}, got)
	assert.Equal(t, 1, p.GetTokenCount())
	assert.Equal(t, 5, p.GetResponseLength())
}

func TestStreamProcessor_Thinking(t *testing.T) {
	tests := []struct {
		name   string
		cfg    StreamConfig
		want   string
		called bool
	}{
		{name: "forwarded", cfg: StreamConfig{}, want: "Let me think about this", called: true},
		{name: "redacted", cfg: StreamConfig{RedactThinking: true}, called: false},
		{name: "truncated", cfg: StreamConfig{MaxThinkingLength: 10}, want: "Let me thi", called: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewDefaultStreamProcessor(tc.cfg, nil)
			var got *StreamEvent

			_, err := p.ProcessChunk(context.Background(),
				&ollamaStreamChunk{Thinking: "Let me think about this"},
				func(ev StreamEvent) error { got = &ev; return nil })

			require.NoError(t, err)
			if !tc.called {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, StreamEventThinking, got.Type)
			assert.Equal(t, tc.want, got.Content)
		})
	}
}

func TestStreamProcessor_ResponseLengthLimit(t *testing.T) {
	p := NewDefaultStreamProcessor(StreamConfig{MaxResponseLength: 10}, nil)
	var events []string
	cb := func(ev StreamEvent) error { events = append(events, ev.Content); return nil }
	ctx := context.Background()

	for _, text := range []string{"Hello", " World!", "ignored"} {
		_, err := p.ProcessChunk(ctx, &ollamaStreamChunk{Message: datatypes.Message{Content: text}}, cb)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"Hello", " Worl"}, events)
	assert.Equal(t, 10, p.GetResponseLength())
}

func TestStreamProcessor_ChunkError(t *testing.T) {
	p := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)
	var got StreamEvent

	done, err := p.ProcessChunk(context.Background(), &ollamaStreamChunk{Error: "model not found"},
		func(ev StreamEvent) error { got = ev; return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.True(t, done)
	assert.Equal(t, StreamEventError, got.Type)
	assert.Equal(t, "model not found", got.Error)
}

func TestStreamProcessor_DoneAndCallbackError(t *testing.T) {
	p := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)
	done, err := p.ProcessChunk(context.Background(), &ollamaStreamChunk{Done: true, DoneReason: "stop"},
		func(StreamEvent) error { return nil })
	require.NoError(t, err)
	assert.True(t, done)

	boom := errors.New("callback failed")
	_, err = p.ProcessChunk(context.Background(), &ollamaStreamChunk{Message: datatypes.Message{Content: "x"}},
		func(StreamEvent) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "callback")
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig()

	assert.False(t, cfg.RedactThinking)
	assert.Zero(t, cfg.MaxThinkingLength)
	assert.Zero(t, cfg.RateLimitPerSecond)
	assert.Equal(t, 100*1024, cfg.MaxResponseLength)
}

// =============================================================================
// parseStreamChunk
// =============================================================================

func TestParseStreamChunk(t *testing.T) {
	client := &OllamaClient{}

	chunk, err := client.parseStreamChunk([]byte(`{"done":true,"done_reason":"stop","total_duration":1500000000}`))
	require.NoError(t, err)
	assert.True(t, chunk.Done)
	assert.Equal(t, "stop", chunk.DoneReason)
	assert.Equal(t, int64(1500000000), chunk.TotalDuration)

	chunk, err = client.parseStreamChunk([]byte(`{"thinking":"Let me think...","done":false}`))
	require.NoError(t, err)
	assert.Equal(t, "Let me think...", chunk.Thinking)

	for _, input := range []string{`{not valid`, `"just a string"`, ``, `{missing: quotes}`} {
		_, err := client.parseStreamChunk([]byte(input))
		assert.Error(t, err, "input %q", input)
	}
}

// =============================================================================
// ChatStream against a mock server
// =============================================================================

func TestChatStream_BasicSuccess(t *testing.T) {
	server := httptest.NewServer(func() http.HandlerFunc {
		inner := ndjson(
			`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
			``,
			`{not valid json}`,
			`{"message":{"role":"assistant","content":" there"},"done":false}`,
			`{"done":true,"done_reason":"stop"}`,
			`{"message":{"role":"assistant","content":"after done"},"done":false}`,
		)
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
			var req ollamaChatRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Stream)
			assert.Equal(t, "test-model", req.Model)
			inner(w, r)
		}
	}())
	defer server.Close()

	var out strings.Builder
	err := newTestOllamaClient(server.URL, "test-model").
		ChatStream(context.Background(), userHi(), GenerationParams{}, collectTokens(&out))

	require.NoError(t, err)
	assert.Equal(t, "Hello there", out.String())
}

func TestChatStream_ThinkingRedactedWithConfig(t *testing.T) {
	server := httptest.NewServer(ndjson(
		`{"thinking":"Secret internal reasoning...","done":false}`,
		`{"message":{"role":"assistant","content":"Response only"},"done":false}`,
		`{"done":true}`,
	))
	defer server.Close()

	thinking := false
	var out strings.Builder
	err := newTestOllamaClient(server.URL, "gpt-oss").ChatStreamWithConfig(
		context.Background(), userHi(), GenerationParams{},
		func(ev StreamEvent) error {
			if ev.Type == StreamEventThinking {
				thinking = true
			}
			return collectTokens(&out)(ev)
		},
		StreamConfig{RedactThinking: true},
	)

	require.NoError(t, err)
	assert.False(t, thinking)
	assert.Equal(t, "Response only", out.String())
}

func TestChatStream_Errors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintln(w, `{"error":"internal server error"}`)
		}))
		defer server.Close()

		err := newTestOllamaClient(server.URL, "m").
			ChatStream(context.Background(), userHi(), GenerationParams{}, func(StreamEvent) error { return nil })

		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("model not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model 'm' not found"}`)
		}))
		defer server.Close()

		_, err := newTestOllamaClient(server.URL, "m").Chat(context.Background(), userHi(), GenerationParams{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ollama pull m")
	})

	t.Run("in-stream error", func(t *testing.T) {
		server := httptest.NewServer(ndjson(
			`{"message":{"content":"Starting..."},"done":false}`,
			`{"error":"model crashed"}`,
		))
		defer server.Close()

		var reported string
		err := newTestOllamaClient(server.URL, "m").ChatStream(context.Background(), userHi(), GenerationParams{},
			func(ev StreamEvent) error {
				if ev.Type == StreamEventError {
					reported = ev.Error
				}
				return nil
			})

		require.Error(t, err)
		assert.Equal(t, "model crashed", reported)
	})

	t.Run("callback abort", func(t *testing.T) {
		server := httptest.NewServer(ndjson(
			`{"message":{"content":"First"},"done":false}`,
			`{"message":{"content":"Second"},"done":false}`,
			`{"message":{"content":"Third"},"done":false}`,
			`{"done":true}`,
		))
		defer server.Close()

		count := 0
		err := newTestOllamaClient(server.URL, "m").ChatStream(context.Background(), userHi(), GenerationParams{},
			func(ev StreamEvent) error {
				count++
				if count >= 2 {
					return errors.New("user abort")
				}
				return nil
			})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "callback")
		assert.Equal(t, 2, count)
	})
}

func TestChatStream_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := newTestOllamaClient(server.URL, "m").
		ChatStream(ctx, userHi(), GenerationParams{}, func(StreamEvent) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// Chat, Embed and serialization
// =============================================================================

func TestChat_SendsOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		assert.EqualValues(t, 20, req.Options["top_k"])
		assert.EqualValues(t, 64, req.Options["num_predict"])
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"ok\":true}"},"done":true}`)
	}))
	defer server.Close()

	out, err := newTestOllamaClient(server.URL, "m").
		Chat(context.Background(), userHi(), GenerationParams{JSONMode: true, MaxTokens: Int(64)})

	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-test", req.Model)
		assert.Equal(t, []string{"a", "b"}, req.Input)
		fmt.Fprint(w, `{"embeddings":[[1,0],[0,1]]}`)
	}))
	defer server.Close()
	client := newTestOllamaClient(server.URL, "m")

	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)

	_, err = client.Embed(context.Background(), []string{"only one of three", "x", "y"})
	assert.Error(t, err)
}

func TestChat_SerializesGenerations(t *testing.T) {
	var active, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer server.Close()
	client := newTestOllamaClient(server.URL, "m")
	client.gate = semaphore.NewWeighted(1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Chat(context.Background(), userHi(), GenerationParams{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestNewOllamaClient_Defaults(t *testing.T) {
	_, err := NewOllamaClient(OllamaConfig{})
	assert.Error(t, err)

	c, err := NewOllamaClient(OllamaConfig{BaseURL: "http://localhost:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", c.baseURL)
	assert.Equal(t, "gpt-oss", c.model)
	assert.NotNil(t, c.gate)
}
