// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the orchestrator over HTTP.
//
// # Description
//
// Turns stream over a websocket (GET /ws/turn) or as Server-Sent Events
// (POST /v1/turn). Both transports run the turn in its own goroutine and
// pump its events from a channel sink to the connection. When the client
// goes away the sink is closed, which cancels the turn.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/engine"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/observability"
)

// DefaultKeepAlive is the idle interval between keep-alives.
const DefaultKeepAlive = 15 * time.Second

// sinkBuffer is the number of events queued between turn and transport.
const sinkBuffer = 64

// TurnRunner runs one turn. Implemented by engine.Engine.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error)
}

// StreamMetrics is the part of observability.Metrics the transports use.
type StreamMetrics interface {
	StreamStarted(t observability.Transport)
	StreamEnded(t observability.Transport)
	RecordClientDisconnect(t observability.Transport)
	RecordApproval(tool string, approved bool)
	RecordUnknownApproval()
}

// TurnHandler serves the turn transports.
//
// # Thread Safety
//
// Safe for concurrent use. Each request owns its sink and writer.
type TurnHandler struct {
	runner    TurnRunner
	approvals *approval.Registry
	metrics   StreamMetrics
	logger    *slog.Logger

	// KeepAlive is the idle interval between keep-alives.
	KeepAlive time.Duration
	// AllowedOrigins for the websocket upgrade. Empty allows same-origin only.
	AllowedOrigins []string
}

// NewTurnHandler creates the handler. approvals and metrics may be nil.
func NewTurnHandler(runner TurnRunner, approvals *approval.Registry, metrics StreamMetrics, logger *slog.Logger) *TurnHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnHandler{
		runner:    runner,
		approvals: approvals,
		metrics:   metrics,
		logger:    logger.With("component", "handlers"),
		KeepAlive: DefaultKeepAlive,
	}
}

// =============================================================================
// Pump
// =============================================================================

// pump runs req in a goroutine and writes its events to w until the
// terminal event.
//
// # Description
//
// The turn is cancelled when clientGone closes or a write fails: the sink
// is closed and the turn sees its consumer detach. pump returns after the
// turn goroutine has finished, so no event outlives the connection.
//
// # Outputs
//
//   - bool: True if the client went away before the terminal event.
func (h *TurnHandler) pump(ctx context.Context, req *datatypes.TurnRequest, w EventWriter, clientGone <-chan struct{}) bool {
	sink := events.NewChannelSink(sinkBuffer)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if _, err := h.runner.RunTurn(ctx, req, sink); err != nil {
			h.logger.Debug("Turn ended with error", "session_id", req.SessionID, "error", err)
		}
	}()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	detach := func() bool {
		sink.Close()
		<-finished
		return true
	}

	for {
		select {
		case ev := <-sink.Events():
			if err := w.WriteEvent(ev); err != nil {
				h.logger.Info("Client write failed, cancelling turn", "session_id", req.SessionID, "error", err)
				return detach()
			}
			if ev.Type.IsTerminal() {
				<-finished
				return false
			}
		case <-finished:
			// The turn returned; flush whatever it queued.
			for {
				select {
				case ev := <-sink.Events():
					if err := w.WriteEvent(ev); err != nil {
						return true
					}
				default:
					return false
				}
			}
		case <-clientGone:
			h.logger.Info("Client disconnected, cancelling turn", "session_id", req.SessionID)
			return detach()
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return detach()
			}
		}
	}
}

// =============================================================================
// SSE
// =============================================================================

// HandleTurnSSE streams one turn as Server-Sent Events.
//
// # Description
//
// POST /v1/turn with a TurnRequest body. The response is a stream of
// events ending with exactly one done or error event. Malformed JSON is
// rejected with 400 before the stream starts; semantic validation errors
// arrive as the stream's error event.
func (h *TurnHandler) HandleTurnSSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		SetSSEHeaders(c.Writer)
		w, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}
		c.Status(http.StatusOK)

		h.streamStarted(observability.TransportSSE)
		defer h.streamEnded(observability.TransportSSE)

		// Disconnects reach the turn through the sink, not the context.
		ctx := context.WithoutCancel(c.Request.Context())
		if gone := h.pump(ctx, &req, w, c.Request.Context().Done()); gone {
			h.disconnected(observability.TransportSSE)
		}
	}
}

// =============================================================================
// Approvals
// =============================================================================

// ApprovalDecision answers a pending tool approval.
type ApprovalDecision struct {
	RequestID string `json:"request_id" binding:"required"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// HandleApproval resolves a pending approval: POST /v1/approvals.
//
// # Outputs
//
//   - 200 when the decision reached the waiting turn
//   - 404 when the request is unknown or already answered
//   - 503 when approvals are not enabled
func (h *TurnHandler) HandleApproval() gin.HandlerFunc {
	return func(c *gin.Context) {
		var d ApprovalDecision
		if err := c.ShouldBindJSON(&d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		status, body := h.resolve(d)
		c.JSON(status, body)
	}
}

// resolve delivers d to the registry.
func (h *TurnHandler) resolve(d ApprovalDecision) (int, gin.H) {
	if h.approvals == nil {
		return http.StatusServiceUnavailable, gin.H{"error": "approvals are not enabled"}
	}
	req, _ := h.approvals.Lookup(d.RequestID)
	err := h.approvals.Resolve(d.RequestID, approval.Decision{Approved: d.Approved, Reason: d.Reason})
	if errors.Is(err, approval.ErrNotFound) {
		if h.metrics != nil {
			h.metrics.RecordUnknownApproval()
		}
		return http.StatusNotFound, gin.H{"error": "approval request not found", "request_id": d.RequestID}
	}
	if err != nil {
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
	if h.metrics != nil {
		h.metrics.RecordApproval(req.Tool, d.Approved)
	}
	h.logger.Info("Tool approval resolved", "request_id", d.RequestID, "tool", req.Tool, "approved", d.Approved)
	return http.StatusOK, gin.H{"status": "resolved", "request_id": d.RequestID, "approved": d.Approved}
}

func (h *TurnHandler) streamStarted(t observability.Transport) {
	if h.metrics != nil {
		h.metrics.StreamStarted(t)
	}
}

func (h *TurnHandler) streamEnded(t observability.Transport) {
	if h.metrics != nil {
		h.metrics.StreamEnded(t)
	}
}

func (h *TurnHandler) disconnected(t observability.Transport) {
	if h.metrics != nil {
		h.metrics.RecordClientDisconnect(t)
	}
}
