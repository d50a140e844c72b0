// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline builds the structured prompt context consumed by graph
// nodes.
//
// A Context accumulates prioritized system parts, persona, retrieved chunks,
// web results, history and scratchpad for one turn. A Pipeline runs a fixed
// sequence of Workers over a Context with bounded retry and skip handling.
// Messages flattens the Context into chat messages under a token budget.
package pipeline

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// =============================================================================
// Mode
// =============================================================================

// Mode selects the enrichment a turn receives.
type Mode int

const (
	ModeChat Mode = iota
	ModeSearchFast
	ModeSearchAgentic
	ModeAgentHigh
	ModeAgentLow
	ModeAgentDirect
)

var modeNames = map[Mode]string{
	ModeChat:          "chat",
	ModeSearchFast:    "search_fast",
	ModeSearchAgentic: "search_agentic",
	ModeAgentHigh:     "agent_high",
	ModeAgentLow:      "agent_low",
	ModeAgentDirect:   "agent_direct",
}

// String returns the snake_case mode name used in logs and metrics.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// HasPersona reports whether the persona worker runs in this mode.
func (m Mode) HasPersona() bool {
	switch m {
	case ModeChat, ModeAgentHigh, ModeAgentLow, ModeAgentDirect:
		return true
	}
	return false
}

// HasRAG reports whether the retrieval worker runs in this mode.
func (m Mode) HasRAG() bool {
	switch m {
	case ModeChat, ModeSearchAgentic, ModeAgentHigh, ModeAgentLow:
		return true
	}
	return false
}

// HasTools reports whether the tool catalogue is advertised in this mode.
func (m Mode) HasTools() bool {
	switch m {
	case ModeAgentHigh, ModeAgentLow, ModeAgentDirect:
		return true
	}
	return false
}

// HasWebSearch reports whether the search worker runs in this mode.
func (m Mode) HasWebSearch() bool {
	switch m {
	case ModeSearchFast, ModeSearchAgentic, ModeAgentHigh:
		return true
	}
	return false
}

// =============================================================================
// Parts
// =============================================================================

// Priorities used by the built-in workers. Higher renders first and is
// dropped last. Parts at or above PriorityPinned are never dropped.
const (
	PriorityBase        = 120
	PriorityModeRule    = 110
	PriorityPinned      = 100
	PriorityPersona     = 80
	PriorityAttachments = 70
	PriorityTools       = 60
	PriorityWebSearch   = 50
	PriorityRetrieval   = 40
	PriorityNote        = 30
)

// SystemPart is one prioritized fragment of system prompt.
type SystemPart struct {
	Name     string
	Text     string
	Priority int
}

// Persona is the configured assistant persona.
type Persona struct {
	Name        string
	Description string
	Traits      []string
	Prompt      string
}

// TokenBudget bounds the flattened message view.
//
// Max <= 0 disables enforcement. MinRecent history messages are never
// dropped.
type TokenBudget struct {
	Max       int
	Reserve   int
	MinRecent int
}

// DefaultTokenBudget returns the budget used when configuration is silent.
func DefaultTokenBudget() TokenBudget {
	return TokenBudget{Max: 8192, Reserve: 1024, MinRecent: 4}
}

// Available returns the tokens usable by the prompt.
func (b TokenBudget) Available() int {
	return b.Max - b.Reserve
}

// =============================================================================
// Context
// =============================================================================

// Context is the per-turn accumulator filled by workers.
//
// # Thread Safety
//
// Not safe for concurrent use. A Context is owned by the turn that built it.
type Context struct {
	SessionID     string
	TurnID        string
	Mode          Mode
	Query         string
	SkipWebSearch bool
	Attachments   []datatypes.Attachment
	Budget        TokenBudget

	SystemParts     []SystemPart
	Persona         *Persona
	RetrievedChunks []datatypes.RetrievedChunk
	WebResults      []datatypes.SearchResult
	History         []datatypes.Message
	Scratchpad      []datatypes.Message
}

// NewContext returns an empty Context with the default budget.
func NewContext(sessionID, turnID string, mode Mode, query string) *Context {
	return &Context{
		SessionID: sessionID,
		TurnID:    turnID,
		Mode:      mode,
		Query:     query,
		Budget:    DefaultTokenBudget(),
	}
}

// AddSystemPart appends a part, replacing any existing part with the same
// name in place.
func (c *Context) AddSystemPart(name, text string, priority int) {
	part := SystemPart{Name: name, Text: text, Priority: priority}
	for i := range c.SystemParts {
		if c.SystemParts[i].Name == name {
			c.SystemParts[i] = part
			return
		}
	}
	c.SystemParts = append(c.SystemParts, part)
}

// SystemPart returns the part with the given name.
func (c *Context) SystemPart(name string) (SystemPart, bool) {
	for _, p := range c.SystemParts {
		if p.Name == name {
			return p, true
		}
	}
	return SystemPart{}, false
}

// Clone returns a copy whose slices can be appended to without affecting
// the original. Nodes clone a cached Context before adding turn-local notes.
func (c *Context) Clone() *Context {
	out := *c
	out.Attachments = slices.Clone(c.Attachments)
	out.SystemParts = slices.Clone(c.SystemParts)
	out.RetrievedChunks = slices.Clone(c.RetrievedChunks)
	out.WebResults = slices.Clone(c.WebResults)
	out.History = slices.Clone(c.History)
	out.Scratchpad = slices.Clone(c.Scratchpad)
	if c.Persona != nil {
		p := *c.Persona
		p.Traits = slices.Clone(c.Persona.Traits)
		out.Persona = &p
	}
	return &out
}
