// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package websearch is the web-search collaborator: provider clients for
// Brave and Tavily plus embedding-based reranking of their results.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.orchestrator.websearch")

const (
	ProviderBrave  = "brave"
	ProviderTavily = "tavily"

	braveBaseURL  = "https://api.search.brave.com/res/v1"
	tavilyBaseURL = "https://api.tavily.com"
)

// ErrNoProvider is returned by a Client built without a provider.
var ErrNoProvider = errors.New("no web search provider configured")

// Config selects and configures the provider.
type Config struct {
	Provider   string        `yaml:"provider" validate:"omitempty,oneof=brave tavily"`
	BaseURL    string        `yaml:"base_url" validate:"omitempty,url"`
	MaxResults int           `yaml:"max_results" validate:"gte=0,lte=20"`
	Timeout    time.Duration `yaml:"timeout"`
	// RequestsPerSecond throttles provider calls. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// APIKey overrides the environment / secret-file lookup.
	APIKey string `yaml:"-"`
}

// Client performs web searches against one provider.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	provider   string
	baseURL    string
	maxResults int
	apiKey     *secrets.Secret
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Client. An empty provider yields a Client whose searches
// fail with ErrNoProvider.
//
// # Description
//
// The API key is taken from cfg.APIKey, then BRAVE_SEARCH_API_KEY or
// TAVILY_API_KEY, then /run/secrets/{provider}_api_key. The key is held in
// a memguard enclave and opened only while a request is being built.
func New(cfg Config) (*Client, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{
		provider:   cfg.Provider,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	var envVar string
	switch cfg.Provider {
	case "":
		return c, nil
	case ProviderBrave:
		c.baseURL, envVar = braveBaseURL, "BRAVE_SEARCH_API_KEY"
	case ProviderTavily:
		c.baseURL, envVar = tavilyBaseURL, "TAVILY_API_KEY"
	default:
		return nil, fmt.Errorf("unknown web search provider %q", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	var err error
	name := cfg.Provider + "_api_key"
	if cfg.APIKey != "" {
		c.apiKey, err = secrets.New(name, cfg.APIKey)
	} else {
		c.apiKey, err = secrets.Load(name, envVar, "/run/secrets/"+name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s not set: %w", envVar, err)
	}
	slog.Info("web search provider configured", "provider", cfg.Provider, "max_results", cfg.MaxResults)
	return c, nil
}

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.provider }

// PerformSearch returns up to MaxResults hits for query. Snippets are
// converted from HTML to plain markdown.
func (c *Client) PerformSearch(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "websearch.PerformSearch")
	defer span.End()
	span.SetAttributes(attribute.String("websearch.provider", c.provider))

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty search query")
	}
	if c.provider == "" {
		return nil, ErrNoProvider
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("web search rate limiter: %w", err)
		}
	}

	var (
		results []datatypes.SearchResult
		err     error
	)
	switch c.provider {
	case ProviderBrave:
		results, err = c.searchBrave(ctx, query)
	case ProviderTavily:
		results, err = c.searchTavily(ctx, query)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i := range results {
		results[i].Snippet = cleanSnippet(results[i].Snippet)
	}
	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}
	span.SetAttributes(attribute.Int("websearch.results", len(results)))
	return results, nil
}

// =============================================================================
// Brave
// =============================================================================

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (c *Client) searchBrave(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(c.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.apiKey.Use(func(key string) error {
		req.Header.Set("X-Subscription-Token", strings.Clone(key))
		return nil
	}); err != nil {
		return nil, err
	}

	var resp braveResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	out := make([]datatypes.SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		out = append(out, datatypes.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

// =============================================================================
// Tavily
// =============================================================================

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (c *Client) searchTavily(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	body := map[string]any{
		"query":        query,
		"search_depth": "basic",
		"max_results":  c.maxResults,
	}
	var payload []byte
	if err := c.apiKey.Use(func(key string) error {
		body["api_key"] = key
		var err error
		payload, err = json.Marshal(body)
		return err
	}); err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp tavilyResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	out := make([]datatypes.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, datatypes.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (c *Client) do(req *http.Request, into any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// cleanSnippet strips provider highlight markup. Snippets that fail to
// convert are returned trimmed but otherwise untouched.
func cleanSnippet(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return s
	}
	md = strings.NewReplacer("**", "", "__", "").Replace(md)
	return strings.Join(strings.Fields(md), " ")
}

// Dedupe removes results whose URL was already seen, keeping first
// occurrences in order. URLs compare without scheme case, fragment or a
// trailing slash.
func Dedupe(results []datatypes.SearchResult) []datatypes.SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]datatypes.SearchResult, 0, len(results))
	for _, r := range results {
		key := normalizeURL(r.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
