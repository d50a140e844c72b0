// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools executes the tool calls chosen by agent turns.
//
// # Description
//
// An Executor owns a catalogue of native tools (web search, URL fetch,
// clock) and optionally an MCP source that enumerates tools exposed by
// external MCP servers. Native tools shadow MCP tools with the same name.
//
// # Thread Safety
//
// Executor is safe for concurrent use once constructed.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.orchestrator.tools")

var (
	// ErrUnknownTool is returned when no native or MCP tool has the name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArgs is returned when required arguments are missing.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Source identifies where a tool is implemented.
type Source string

const (
	SourceNative Source = "native"
	SourceMCP    Source = "mcp"
)

// Spec describes a tool to the model.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Signature is a compact argument list, e.g. "query: string".
	Signature        string `json:"signature,omitempty"`
	Source           Source `json:"source"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// Line renders the spec as one catalogue line.
func (s Spec) Line() string {
	return fmt.Sprintf("- %s(%s): %s", s.Name, s.Signature, s.Description)
}

// Result is the outcome of one tool call.
type Result struct {
	Output string
	// SearchResults is set by tools that return web results.
	SearchResults []datatypes.SearchResult
}

// Tool is a natively implemented tool.
type Tool interface {
	Spec() Spec
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// Executor dispatches tool calls by name.
type Executor struct {
	native   map[string]Tool
	mcp      *MCPSource
	approval map[string]bool
	timeout  time.Duration
	logger   *slog.Logger

	mu sync.RWMutex
}

// NewExecutor creates an Executor over the given native tools.
//
// # Inputs
//
//   - logger: Component logger. Nil uses slog.Default.
//   - tools: Native tools. A later tool replaces an earlier one of the
//     same name.
func NewExecutor(logger *slog.Logger, tools ...Tool) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		native:   make(map[string]Tool, len(tools)),
		approval: make(map[string]bool),
		timeout:  60 * time.Second,
		logger:   logger,
	}
	for _, t := range tools {
		e.native[t.Spec().Name] = t
	}
	return e
}

// WithMCP attaches an MCP tool source.
func (e *Executor) WithMCP(src *MCPSource) *Executor {
	e.mu.Lock()
	e.mcp = src
	e.mu.Unlock()
	return e
}

// WithTimeout bounds each tool call. Zero disables the bound.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	e.timeout = d
	return e
}

// RequireApproval marks tools that need human confirmation before running.
func (e *Executor) RequireApproval(names ...string) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			e.approval[n] = true
		}
	}
	return e
}

// RequiresApproval reports whether name needs confirmation.
func (e *Executor) RequiresApproval(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.approval[name]
}

// Catalogue returns every callable tool, native first then MCP, each group
// sorted by name.
func (e *Executor) Catalogue() []Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()

	specs := make([]Spec, 0, len(e.native))
	for _, t := range e.native {
		s := t.Spec()
		s.Source = SourceNative
		s.RequiresApproval = s.RequiresApproval || e.approval[s.Name]
		specs = append(specs, s)
	}
	slices.SortFunc(specs, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })

	if e.mcp != nil {
		for _, s := range e.mcp.Tools() {
			if _, shadowed := e.native[s.Name]; shadowed {
				continue
			}
			s.RequiresApproval = s.RequiresApproval || e.approval[s.Name]
			specs = append(specs, s)
		}
	}
	return specs
}

// NativeCatalogue returns only the native tools.
func (e *Executor) NativeCatalogue() []Spec {
	var out []Spec
	for _, s := range e.Catalogue() {
		if s.Source == SourceNative {
			out = append(out, s)
		}
	}
	return out
}

// ExecuteTool runs one tool call.
//
// # Inputs
//
//   - ctx: Cancellation. A per-call timeout is applied on top.
//   - name: Tool name from the catalogue.
//   - args: Decoded JSON arguments. May be nil.
//
// # Outputs
//
//   - Result: Tool output.
//   - error: ErrUnknownTool, ErrInvalidArgs or the tool's own failure.
func (e *Executor) ExecuteTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	ctx, span := tracer.Start(ctx, "tools.ExecuteTool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}

	e.mu.RLock()
	tool, native := e.native[name]
	src := e.mcp
	e.mu.RUnlock()

	start := time.Now()
	var (
		res Result
		err error
	)
	switch {
	case native:
		res, err = tool.Call(ctx, args)
	case src != nil && src.Has(name):
		res, err = src.Call(ctx, name, args)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}
	e.logger.Debug("tool call completed",
		slog.String("tool", name),
		slog.Duration("duration", time.Since(start)),
		slog.Int("output_len", len(res.Output)),
	)
	return res, nil
}

// stringArg returns a required, non-empty string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %q is required", ErrInvalidArgs, key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidArgs, key)
	}
	return strings.TrimSpace(s), nil
}
