// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/middleware"
)

// Options adjusts the route table.
type Options struct {
	// Auth protects /v1 and /ws. Nil leaves them open.
	Auth middleware.Authenticator
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every orchestrator route on router.
//
// # Description
//
//	GET    /health                     liveness
//	GET    /metrics                    prometheus
//	GET    /ws/turn                    turn over websocket
//	POST   /v1/turn                    turn over SSE
//	POST   /v1/approvals               answer a tool approval
//	POST   /v1/documents               ingest a document
//	GET    /v1/sessions/:id/history    stored history
//	GET    /v1/sessions/:id/count      history rows and chunks
//	POST   /v1/sessions/:id/reindex    re-embed a session's chunks
//	DELETE /v1/sessions/:id            drop chunks and history
func SetupRoutes(router *gin.Engine, turns *handlers.TurnHandler, sessions *handlers.SessionHandler, opts Options) {
	router.GET("/health", handlers.HealthCheck)

	metrics := promhttp.Handler()
	if opts.Gatherer != nil {
		metrics = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metrics))

	var protected []gin.HandlerFunc
	if opts.Auth != nil {
		protected = append(protected, middleware.AuthMiddleware(opts.Auth))
	}

	ws := router.Group("/ws", protected...)
	ws.GET("/turn", turns.HandleTurnWebSocket())

	v1 := router.Group("/v1", protected...)
	{
		v1.POST("/turn", turns.HandleTurnSSE())
		v1.POST("/approvals", turns.HandleApproval())
		v1.POST("/documents", sessions.CreateDocument())

		s := v1.Group("/sessions")
		{
			s.GET("/:id/history", sessions.GetSessionHistory())
			s.GET("/:id/count", sessions.CountSession())
			s.POST("/:id/reindex", sessions.ReindexSession())
			s.DELETE("/:id", sessions.DeleteSession())
		}
	}
}
