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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServerConfig describes one external MCP server.
//
// Exactly one of Command or URL is set. Command launches the server as a
// subprocess speaking stdio; URL connects over streamable HTTP.
type MCPServerConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Command []string `yaml:"command"`
	URL     string   `yaml:"url" validate:"omitempty,url"`
}

type mcpTool struct {
	spec   Spec
	server string
}

// MCPSource enumerates and calls tools on connected MCP servers.
//
// # Thread Safety
//
// Safe for concurrent use.
type MCPSource struct {
	client *sdkmcp.Client
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sdkmcp.ClientSession
	tools    map[string]mcpTool
}

// NewMCPSource creates an empty source. Servers are added with Connect or
// Attach.
func NewMCPSource(version string, logger *slog.Logger) *MCPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPSource{
		client:   sdkmcp.NewClient(&sdkmcp.Implementation{Name: "aleutian-agent", Version: version}, nil),
		logger:   logger,
		sessions: make(map[string]*sdkmcp.ClientSession),
		tools:    make(map[string]mcpTool),
	}
}

// ConnectAll connects every configured server. A server that fails to
// connect is logged and skipped so one bad server does not block startup.
func (m *MCPSource) ConnectAll(ctx context.Context, servers []MCPServerConfig) {
	for _, srv := range servers {
		if err := m.Connect(ctx, srv); err != nil {
			m.logger.Warn("mcp server unavailable",
				slog.String("server", srv.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Connect dials one server and enumerates its tools.
func (m *MCPSource) Connect(ctx context.Context, srv MCPServerConfig) error {
	var transport sdkmcp.Transport
	switch {
	case len(srv.Command) > 0:
		transport = &sdkmcp.CommandTransport{Command: exec.Command(srv.Command[0], srv.Command[1:]...)}
	case srv.URL != "":
		transport = &sdkmcp.StreamableClientTransport{Endpoint: srv.URL}
	default:
		return fmt.Errorf("mcp server %q: command or url is required", srv.Name)
	}
	return m.Attach(ctx, srv.Name, transport)
}

// Attach connects over an existing transport. Tests use in-memory
// transports.
func (m *MCPSource) Attach(ctx context.Context, name string, transport sdkmcp.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %q: %w", name, err)
	}
	m.mu.Lock()
	if old, ok := m.sessions[name]; ok {
		_ = old.Close()
	}
	m.sessions[name] = session
	m.mu.Unlock()

	return m.refreshServer(ctx, name, session)
}

// Refresh re-enumerates the tools of every connected server.
func (m *MCPSource) Refresh(ctx context.Context) error {
	m.mu.RLock()
	sessions := make(map[string]*sdkmcp.ClientSession, len(m.sessions))
	for k, v := range m.sessions {
		sessions[k] = v
	}
	m.mu.RUnlock()

	var errs []error
	for name, s := range sessions {
		if err := m.refreshServer(ctx, name, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MCPSource) refreshServer(ctx context.Context, name string, session *sdkmcp.ClientSession) error {
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tools of mcp server %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.tools {
		if t.server == name {
			delete(m.tools, k)
		}
	}
	for _, t := range res.Tools {
		if other, taken := m.tools[t.Name]; taken {
			m.logger.Warn("mcp tool name collision",
				slog.String("tool", t.Name),
				slog.String("kept", other.server),
				slog.String("ignored", name),
			)
			continue
		}
		m.tools[t.Name] = mcpTool{
			server: name,
			spec: Spec{
				Name:        t.Name,
				Description: strings.TrimSpace(t.Description),
				Signature:   schemaSignature(t.InputSchema),
				Source:      SourceMCP,
			},
		}
	}
	m.logger.Info("mcp tools enumerated", slog.String("server", name), slog.Int("tools", len(res.Tools)))
	return nil
}

// Tools returns the enumerated tools sorted by name.
func (m *MCPSource) Tools() []Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Spec, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t.spec)
	}
	slices.SortFunc(out, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Has reports whether name is an enumerated MCP tool.
func (m *MCPSource) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[name]
	return ok
}

// Call invokes an MCP tool and joins its text content.
func (m *MCPSource) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	m.mu.RLock()
	t, ok := m.tools[name]
	var session *sdkmcp.ClientSession
	if ok {
		session = m.sessions[t.server]
	}
	m.mu.RUnlock()
	if !ok || session == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return Result{}, fmt.Errorf("mcp call %s on %s: %w", name, t.server, err)
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return Result{}, fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return Result{Output: clip(text)}, nil
}

// Close closes every session.
func (m *MCPSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %q: %w", name, err))
		}
	}
	m.sessions = make(map[string]*sdkmcp.ClientSession)
	m.tools = make(map[string]mcpTool)
	return errors.Join(errs...)
}

// schemaSignature renders a JSON schema's properties as "a: string, b?: int".
func schemaSignature(schema any) string {
	if schema == nil {
		return ""
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	var s struct {
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}

	names := make([]string, 0, len(s.Properties))
	for n := range s.Properties {
		names = append(names, n)
	}
	slices.Sort(names)

	fields := make([]string, 0, len(names))
	for _, n := range names {
		typ := "any"
		if t, ok := s.Properties[n].Type.(string); ok {
			typ = t
		}
		opt := "?"
		if slices.Contains(s.Required, n) {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", n, opt, typ))
	}
	return strings.Join(fields, ", ")
}
