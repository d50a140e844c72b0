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
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
	thoughtStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Underline(true)
	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
)

// renderer writes turn events to a terminal. Answer chunks go out as-is;
// everything else is a styled line of its own.
type renderer struct {
	out     io.Writer
	verbose bool
	// midLine is true while the last write was an unterminated chunk.
	midLine bool
}

func (r *renderer) line(s string) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintln(r.out, s)
}

// render writes ev.
func (r *renderer) render(ev events.Event) {
	switch ev.Type {
	case events.TypeChunk:
		fmt.Fprint(r.out, ev.Content)
		r.midLine = !strings.HasSuffix(ev.Content, "\n")
	case events.TypeThought:
		r.line(thoughtStyle.Render("💭 " + strings.TrimSpace(ev.Content)))
	case events.TypeStatus:
		r.line(statusStyle.Render("• " + ev.Message))
	case events.TypeActivity:
		if r.verbose {
			r.line(dimStyle.Render(fmt.Sprintf("[%s] %s", ev.Node, ev.Message)))
		}
	case events.TypeSearchResults:
		for i, res := range ev.Results {
			r.line(fmt.Sprintf("%s %s %s", dimStyle.Render(fmt.Sprintf("[%d]", i+1)), res.Title, linkStyle.Render(res.URL)))
		}
	case events.TypeError:
		r.line(errorStyle.Render("✗ " + ev.Error))
	case events.TypeDone:
		if r.midLine {
			fmt.Fprintln(r.out)
			r.midLine = false
		}
		if r.verbose {
			r.line(doneStyle.Render("✓ done") + dimStyle.Render(" session "+ev.SessionID))
		}
	}
}
