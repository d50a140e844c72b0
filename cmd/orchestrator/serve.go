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
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Close()
			slog.SetDefault(logger.Slog())
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := orchestrator.New(ctx, cfg, orchestrator.Options{
				ConfigPath: configPath,
				Version:    version,
				Logger:     logger.Slog(),
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			logger.Info("Orchestrator ready",
				"addr", cfg.Server.Addr,
				"llm_backend", cfg.LLM.Backend,
				"web_search", cfg.Privacy.AllowWebSearch,
				"max_steps", cfg.Graph.MaxSteps,
			)
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
