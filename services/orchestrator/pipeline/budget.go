// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// CharsPerToken approximates characters per token.
const CharsPerToken = 4

// estimateTokens returns a rough token count for text.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Rendered is the budgeted flat view of a Context.
type Rendered struct {
	// Messages is [system, history..., scratchpad..., user query].
	Messages []datatypes.Message

	// DroppedParts lists system parts removed to fit the budget, in drop order.
	DroppedParts []string

	// DroppedHistory counts history messages removed from the oldest end.
	DroppedHistory int

	// Tokens is the estimated size of Messages.
	Tokens int
}

// Messages returns the budgeted message list for a model call.
func (c *Context) Messages() []datatypes.Message {
	return c.Render().Messages
}

// Render flattens the Context under its token budget.
//
// # Description
//
// System parts are rendered highest priority first; ties keep insertion
// order. While the estimate exceeds Budget.Available, the lowest-priority
// droppable part is removed (the most recently added among equals). Once
// no droppable part remains, the oldest history message is removed, never
// touching the newest Budget.MinRecent messages. The query and the
// scratchpad are always kept. If the budget still cannot be met the
// best-effort result is returned.
//
// # Outputs
//
//   - Rendered: Messages plus what was dropped.
func (c *Context) Render() Rendered {
	parts := slices.Clone(c.SystemParts)
	slices.SortStableFunc(parts, func(a, b SystemPart) int {
		return b.Priority - a.Priority
	})
	history := c.History

	fixed := estimateTokens(c.Query)
	for _, m := range c.Scratchpad {
		fixed += estimateTokens(m.Content)
	}
	total := fixed
	for _, p := range parts {
		total += estimateTokens(p.Text)
	}
	for _, m := range history {
		total += estimateTokens(m.Content)
	}

	var out Rendered
	if c.Budget.Max > 0 {
		limit := c.Budget.Available()
		for total > limit {
			if idx := lowestDroppable(parts); idx >= 0 {
				total -= estimateTokens(parts[idx].Text)
				out.DroppedParts = append(out.DroppedParts, parts[idx].Name)
				parts = slices.Delete(parts, idx, idx+1)
				continue
			}
			if len(history) > c.Budget.MinRecent {
				total -= estimateTokens(history[0].Content)
				history = history[1:]
				out.DroppedHistory++
				continue
			}
			break
		}
	}

	msgs := make([]datatypes.Message, 0, 2+len(history)+len(c.Scratchpad))
	if system := joinParts(parts); system != "" {
		msgs = append(msgs, datatypes.NewSystemMessage(system))
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, c.Scratchpad...)
	if c.Query != "" {
		msgs = append(msgs, datatypes.NewUserMessage(c.Query))
	}

	out.Messages = msgs
	out.Tokens = total
	return out
}

// lowestDroppable returns the index of the part to drop next, or -1.
// parts is sorted by descending priority, so the last droppable index wins.
func lowestDroppable(parts []SystemPart) int {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Priority < PriorityPinned {
			return i
		}
	}
	return -1
}

func joinParts(parts []SystemPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}
