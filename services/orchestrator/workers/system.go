// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
)

// DefaultSystemPrompt is used when no prompt override is configured.
const DefaultSystemPrompt = `You are Aleutian, a helpful assistant. Answer accurately and concisely.
If you are not sure about something, say so instead of guessing.
Reply in the language the user writes in.`

// System part names.
const (
	PartBase        = "base"
	PartMode        = "mode"
	PartAttachments = "attachments"
	PartPersona     = "persona"
	PartTools       = "tools"
	PartWebResults  = "web_results"
	PartRetrieval   = "retrieval"
)

var modeInstructions = map[pipeline.Mode]string{
	pipeline.ModeChat: "You are in conversation mode. Answer directly, using the conversation " +
		"history and any provided knowledge.",
	pipeline.ModeSearchFast: "You are in quick search mode. Answer from the web results below and " +
		"cite sources inline as [n].",
	pipeline.ModeSearchAgentic: "You are in deep research mode. Synthesize the web results and " +
		"knowledge below into a thorough, structured answer. Cite sources inline as [n] and point " +
		"out where sources disagree.",
	pipeline.ModeAgentHigh: "You are an agent working on a multi-step task. Follow the plan, use " +
		"tools when they help, and check your work before answering.",
	pipeline.ModeAgentLow: "You are an agent. Use a tool only when the task needs one, otherwise " +
		"answer directly.",
	pipeline.ModeAgentDirect: "You are an agent executing the user's request directly. Call the " +
		"most suitable tool, then report the result.",
}

// ModeInstruction returns the instruction text for m.
func ModeInstruction(m pipeline.Mode) string {
	return modeInstructions[m]
}

// System adds the base prompt, the mode instruction and any attachments.
type System struct {
	settings Settings
}

// NewSystem returns the system worker. A nil settings uses
// DefaultSystemPrompt.
func NewSystem(settings Settings) *System {
	return &System{settings: settings}
}

func (w *System) Name() string { return NameSystem }

func (w *System) Execute(_ context.Context, pc *pipeline.Context) error {
	base := DefaultSystemPrompt
	if w.settings != nil {
		if p := strings.TrimSpace(w.settings.Prompts().System); p != "" {
			base = p
		}
	}
	pc.AddSystemPart(PartBase, base, pipeline.PriorityBase)

	instr, ok := modeInstructions[pc.Mode]
	if !ok {
		return pipeline.Fail(fmt.Errorf("no instruction for mode %s", pc.Mode))
	}
	pc.AddSystemPart(PartMode, instr, pipeline.PriorityModeRule)

	if len(pc.Attachments) > 0 {
		var b strings.Builder
		b.WriteString("The user attached the following documents:")
		for _, a := range pc.Attachments {
			b.WriteString("\n\n### ")
			b.WriteString(a.Name)
			if a.MimeType != "" {
				fmt.Fprintf(&b, " (%s)", a.MimeType)
			}
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(a.Content))
		}
		pc.AddSystemPart(PartAttachments, b.String(), pipeline.PriorityAttachments)
	}
	return nil
}

// =============================================================================
// Persona
// =============================================================================

// Persona adds the configured persona in persona-capable modes.
type Persona struct {
	settings Settings
}

// NewPersona returns the persona worker.
func NewPersona(settings Settings) *Persona {
	return &Persona{settings: settings}
}

func (w *Persona) Name() string { return NamePersona }

func (w *Persona) Execute(_ context.Context, pc *pipeline.Context) error {
	if !pc.Mode.HasPersona() {
		return pipeline.Skip("mode " + pc.Mode.String() + " has no persona")
	}
	if w.settings == nil {
		return pipeline.Skip("no persona configured")
	}
	p := w.settings.Persona()
	if p == nil {
		return pipeline.Skip("no persona configured")
	}
	pc.Persona = p
	pc.AddSystemPart(PartPersona, renderPersona(p), pipeline.PriorityPersona)
	return nil
}

func renderPersona(p *pipeline.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your name is %s.", p.Name)
	if p.Description != "" {
		b.WriteString(" ")
		b.WriteString(p.Description)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "\nPersonality: %s.", strings.Join(p.Traits, ", "))
	}
	if p.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(p.Prompt)
	}
	return b.String()
}
