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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
)

func newToolsCmd() *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can call",
		Long: `Builds the tool catalogue from the config, connecting to any MCP servers,
and prints it. --markdown writes a reference document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}
			defer logger.Close()

			svc, err := orchestrator.New(cmd.Context(), cfg, orchestrator.Options{
				Version:       version,
				Logger:        logger.Slog(),
				Registry:      prometheus.NewRegistry(),
				SkipTelemetry: true,
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			specs := svc.Tools().Catalogue()
			if markdown {
				writeToolReference(cmd.OutOrStdout(), specs, time.Now())
				return nil
			}
			writeToolList(cmd.OutOrStdout(), specs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "write a markdown reference")
	return cmd
}

func writeToolList(w io.Writer, specs []tools.Spec) {
	for _, s := range specs {
		name := s.Name
		if s.RequiresApproval {
			name += statusStyle.Render(" (approval)")
		}
		fmt.Fprintf(w, "%s %s\n    %s\n", name, dimStyle.Render("["+string(s.Source)+"]"), s.Description)
	}
	if len(specs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tools configured"))
	}
}

// writeToolReference renders specs grouped by source.
func writeToolReference(w io.Writer, specs []tools.Spec, now time.Time) {
	fmt.Fprintln(w, "# Tool Reference")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Generated %s.\n\n", now.UTC().Format("2006-01-02"))

	groups := []struct {
		source tools.Source
		title  string
	}{
		{tools.SourceNative, "Native Tools"},
		{tools.SourceMCP, "MCP Tools"},
	}
	for _, g := range groups {
		var rows []tools.Spec
		for _, s := range specs {
			if s.Source == g.source {
				rows = append(rows, s)
			}
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(w, "## %s\n\n", g.title)
		fmt.Fprintln(w, "| Tool | Arguments | Approval | Description |")
		fmt.Fprintln(w, "|------|-----------|----------|-------------|")
		for _, s := range rows {
			approval := ""
			if s.RequiresApproval {
				approval = "yes"
			}
			fmt.Fprintf(w, "| `%s` | `%s` | %s | %s |\n", s.Name, s.Signature, approval, s.Description)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total: %d tools.\n", len(specs))
}
