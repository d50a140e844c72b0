// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// MaxFetchBytes caps the body read by fetch_url.
const MaxFetchBytes = 2 << 20

// maxToolOutput caps the text a tool hands back to the model.
const maxToolOutput = 16 * 1024

// Searcher is the web-search collaborator used by the web_search tool.
type Searcher interface {
	PerformSearch(ctx context.Context, query string) ([]datatypes.SearchResult, error)
}

// =============================================================================
// web_search
// =============================================================================

type webSearchTool struct {
	searcher Searcher
}

// NewWebSearchTool returns the web_search tool.
func NewWebSearchTool(s Searcher) Tool {
	return &webSearchTool{searcher: s}
}

func (t *webSearchTool) Spec() Spec {
	return Spec{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, URLs and snippets.",
		Signature:   "query: string",
	}
}

func (t *webSearchTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return Result{}, err
	}
	results, err := t.searcher.PerformSearch(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("web search failed: %w", err)
	}
	if len(results) == 0 {
		return Result{Output: fmt.Sprintf("No results found for %q.", query)}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. %s\n   URL: %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return Result{Output: clip(sb.String()), SearchResults: results}, nil
}

// =============================================================================
// fetch_url
// =============================================================================

type fetchURLTool struct {
	client *http.Client
}

// NewFetchURLTool returns the fetch_url tool. A nil client uses a 30s
// default.
func NewFetchURLTool(client *http.Client) Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fetchURLTool{client: client}
}

func (t *fetchURLTool) Spec() Spec {
	return Spec{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its content as markdown.",
		Signature:   "url: string",
	}
}

func (t *fetchURLTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	raw, err := stringArg(args, "url")
	if err != nil {
		return Result{}, err
	}
	target := normalizeURL(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: bad url %q", ErrInvalidArgs, raw)
	}
	req.Header.Set("User-Agent", "AleutianAgent/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxFetchBytes {
		return Result{}, fmt.Errorf("response body exceeds maximum size of %d bytes", MaxFetchBytes)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return Result{}, fmt.Errorf("failed to convert HTML to Markdown: %w", err)
		}
		text = md
	}
	return Result{Output: clip(fmt.Sprintf("Content of %s:\n\n%s", resp.Request.URL, strings.TrimSpace(text)))}, nil
}

func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + strings.TrimPrefix(raw, "//")
}

// =============================================================================
// current_time
// =============================================================================

type clockTool struct {
	now func() time.Time
}

// NewClockTool returns the current_time tool.
func NewClockTool() Tool {
	return &clockTool{now: time.Now}
}

func (t *clockTool) Spec() Spec {
	return Spec{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in an IANA time zone.",
		Signature:   "timezone?: string",
	}
}

func (t *clockTool) Call(_ context.Context, args map[string]any) (Result, error) {
	now := t.now()
	if tz, ok := args["timezone"].(string); ok && strings.TrimSpace(tz) != "" {
		loc, err := time.LoadLocation(strings.TrimSpace(tz))
		if err != nil {
			return Result{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgs, tz)
		}
		now = now.In(loc)
	}
	return Result{Output: now.Format(time.RFC1123Z)}, nil
}

func clip(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n[truncated]"
}
