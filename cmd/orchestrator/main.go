// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the agent service or a single turn.
//
//	orchestrator serve --config agent.yaml
//	orchestrator turn --mode agent "summarise today's Go news"
//	orchestrator tools --markdown
//	orchestrator version
//
// A .env file in the working directory is loaded before flags are parsed.
package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/pkg/logging"
	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/config"
)

// Set with -ldflags "-X main.version=…".
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Graph-driven agent orchestrator",
		Long:          `Runs chat, web search and multi-step agent turns over a fixed node graph, with a context pipeline feeding every prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENT_CONFIG"), "YAML config file (env AGENT_CONFIG)")

	root.AddCommand(newServeCmd(), newTurnCmd(), newToolsCmd(), newVersionCmd())
	return root
}

func main() {
	secrets.Init()
	err := newRootCmd().Execute()
	secrets.Purge()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads the config and builds the root logger from it.
func loadConfig(quiet bool) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "orchestrator",
		Format:  logging.Format(cfg.Logging.Format),
		Quiet:   quiet,
	})
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s (%s)\n", version, commit)
		},
	}
}
