// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/pkg/logging"
	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/config"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
)

type echoLLM struct{}

func (echoLLM) Chat(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return "ok", nil
}

func (echoLLM) ChatStream(_ context.Context, msgs []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	for _, w := range strings.Fields(msgs[len(msgs)-1].Content) {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: w + " "}); err != nil {
			return err
		}
	}
	return nil
}

func (echoLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func newTestService(t *testing.T) *orchestrator.Service {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AuthTokenEnv = ""
	svc, err := orchestrator.New(context.Background(), &cfg, orchestrator.Options{
		Logger:        logging.Discard().Slog(),
		Registry:      prometheus.NewRegistry(),
		LLM:           echoLLM{},
		SkipTelemetry: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// =============================================================================
// Rendering
// =============================================================================

func TestRenderer_ChunksThenStatus(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}

	r.render(events.Chunk("Hello "))
	r.render(events.Chunk("world"))
	r.render(events.Status("agent_executor", "Calling clock"))
	r.render(events.Activity("router", "hidden unless verbose"))
	r.render(events.Done("s1"))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Hello world\n"), "status starts on a fresh line: %q", out)
	assert.Contains(t, out, "Calling clock")
	assert.NotContains(t, out, "hidden unless verbose")
}

func TestRenderer_Verbose(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf, verbose: true}

	r.render(events.Activity("router", "routing to chat"))
	r.render(events.SearchResults("web_search", []datatypes.SearchResult{
		{Title: "Go 1.25", URL: "https://go.dev/doc/go1.25"},
	}))
	r.render(events.Done("s1"))

	out := buf.String()
	assert.Contains(t, out, "[router] routing to chat")
	assert.Contains(t, out, "[1]")
	assert.Contains(t, out, "https://go.dev/doc/go1.25")
	assert.Contains(t, out, "session s1")
}

func TestRenderer_Error(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}
	r.render(events.Error("generate", "model unavailable"))
	assert.Contains(t, buf.String(), "model unavailable")
}

// =============================================================================
// Commands
// =============================================================================

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "orchestrator dev (none)\n", out.String())
}

func TestReadMessage(t *testing.T) {
	msg, err := readMessage([]string{"hi"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "hi", msg)

	msg, err = readMessage(nil, strings.NewReader("  from stdin \n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", msg)

	_, err = readMessage(nil, strings.NewReader("   "))
	assert.Error(t, err)
}

func TestStreamTurn_Chat(t *testing.T) {
	svc := newTestService(t)
	var buf bytes.Buffer
	r := &renderer{out: &buf}

	err := streamTurn(context.Background(), svc, &datatypes.TurnRequest{
		Message: "hello from the terminal",
		Mode:    "chat",
	}, r, func(string, map[string]any) (bool, error) {
		t.Fatal("chat turns never ask for approval")
		return false, nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "terminal")
}

func TestStreamTurn_InvalidRequest(t *testing.T) {
	svc := newTestService(t)
	var buf bytes.Buffer

	err := streamTurn(context.Background(), svc, &datatypes.TurnRequest{
		Message: "x",
		Mode:    "nonsense",
	}, &renderer{out: &buf}, nil)
	assert.ErrorIs(t, err, errTurnFailed)
	assert.NotEmpty(t, buf.String())
}

func TestAnswerApproval(t *testing.T) {
	svc := newTestService(t)
	req, ch := svc.Approvals().Register("fetch_url", map[string]any{"url": "https://example.com"})
	ev := events.Status("agent_executor", "needs approval").
		WithData("approval_request_id", req.ID).
		WithData("tool", "fetch_url")

	var asked string
	err := answerApproval(svc, req.ID, ev, func(tool string, _ map[string]any) (bool, error) {
		asked = tool
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fetch_url", asked)

	d := <-ch
	assert.False(t, d.Approved)
	assert.NotEmpty(t, d.Reason)
}

func TestWriteToolReference(t *testing.T) {
	specs := []tools.Spec{
		{Name: "clock", Signature: "timezone?: string", Description: "Current time", Source: tools.SourceNative},
		{Name: "fetch_url", Signature: "url: string", Description: "Fetch a page", Source: tools.SourceNative, RequiresApproval: true},
		{Name: "issues", Signature: "repo: string", Description: "List issues", Source: tools.SourceMCP},
	}
	var buf bytes.Buffer
	writeToolReference(&buf, specs, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	out := buf.String()
	assert.Contains(t, out, "Generated 2025-03-01.")
	assert.Contains(t, out, "## Native Tools")
	assert.Contains(t, out, "| `fetch_url` | `url: string` | yes | Fetch a page |")
	assert.Contains(t, out, "## MCP Tools")
	assert.Contains(t, out, "Total: 3 tools.")
	assert.Less(t, strings.Index(out, "## Native Tools"), strings.Index(out, "## MCP Tools"))
}

func TestWriteToolList_Empty(t *testing.T) {
	var buf bytes.Buffer
	writeToolList(&buf, nil)
	assert.Contains(t, buf.String(), "no tools configured")
}
