// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodes

import (
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/config"
)

type promptSet struct {
	thinking    string
	planner     string
	synthesizer string
	subQueries  string
	toolChoice  string
}

var defaultPrompts = promptSet{
	thinking: `Think step by step about how to answer the user's message.
Write out your reasoning: what is being asked, what you know, what is uncertain,
and how the answer should be structured. Do not write the final answer.`,

	planner: `Break the user's task into a short plan of at most 6 steps.
Write one step per line, starting each with "- ". Be concrete. Write only the plan.`,

	synthesizer: `Compose the final answer for the user. Use the plan, the tool results
and the notes above. Say plainly if a step could not be completed.`,

	subQueries: `Write up to 3 web search queries that together cover the user's question.
Write one query per line and nothing else.`,

	toolChoice: `Choose the single most useful tool for the next step of this task.
Reply with only a JSON object {"tool": "<name>", "args": {...}}.
If no tool is needed reply {"tool": "none"}.`,
}

// cannedPlan is used when the planner returns nothing.
const cannedPlan = `- Understand the request and its constraints
- Gather the information or tool results needed
- Work through the task
- Summarize the result for the user`

// merge applies non-empty overrides.
func (p promptSet) merge(o config.Prompts) promptSet {
	if s := strings.TrimSpace(o.Thinking); s != "" {
		p.thinking = s
	}
	if s := strings.TrimSpace(o.Planner); s != "" {
		p.planner = s
	}
	if s := strings.TrimSpace(o.Synthesizer); s != "" {
		p.synthesizer = s
	}
	return p
}
