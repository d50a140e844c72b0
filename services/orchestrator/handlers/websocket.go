// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/observability"
)

// Client message types.
const (
	WSTypeTurn     = "turn"
	WSTypeApproval = "approval"
)

// maxWSMessage bounds one client frame. Attachments dominate its size.
const maxWSMessage = 4 << 20

// WSMessage is a client frame. Turn fields are inlined from TurnRequest.
type WSMessage struct {
	Type string `json:"type"`
	datatypes.TurnRequest

	// Approval fields.
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// upgrader returns a websocket upgrader honouring AllowedOrigins.
func (h *TurnHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if slices.Contains(h.AllowedOrigins, "*") || slices.Contains(h.AllowedOrigins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// HandleTurnWebSocket serves GET /ws/turn.
//
// # Description
//
// On connect the server sends {"type":"session_created","session_id":…};
// turns that omit a session id use it. The client then sends frames:
//
//	{"type":"turn","message":"…","mode":"agent",…}
//	{"type":"approval","request_id":"…","approved":true}
//
// Turn events stream back as JSON frames. One turn runs at a time per
// connection; a turn sent while another is running is answered with an
// error event. Approvals are accepted while a turn is waiting on one.
// Closing the connection cancels the running turn.
func (h *TurnHandler) HandleTurnWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxWSMessage)

		w := newWSWriter(conn)
		sessionID := uuid.NewString()
		log := h.logger.With("session_id", sessionID)
		log.Info("Websocket client connected")

		if err := w.writeJSON(gin.H{"type": "session_created", "session_id": sessionID}); err != nil {
			return
		}

		h.streamStarted(observability.TransportWebSocket)
		defer h.streamEnded(observability.TransportWebSocket)

		connGone := make(chan struct{})
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			busy bool
		)
		defer func() {
			close(connGone)
			wg.Wait()
		}()

		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("Websocket read failed", "error", err)
				} else {
					log.Info("Websocket client disconnected")
				}
				mu.Lock()
				if busy {
					h.disconnected(observability.TransportWebSocket)
				}
				mu.Unlock()
				return
			}

			switch msg.Type {
			case WSTypeApproval:
				status, body := h.resolve(ApprovalDecision{RequestID: msg.RequestID, Approved: msg.Approved, Reason: msg.Reason})
				body["type"] = "approval_result"
				body["code"] = status
				if err := w.writeJSON(body); err != nil {
					return
				}

			case WSTypeTurn, "":
				mu.Lock()
				if busy {
					mu.Unlock()
					if err := w.WriteEvent(events.Error("", "a turn is already running on this connection")); err != nil {
						return
					}
					continue
				}
				busy = true
				mu.Unlock()

				req := msg.TurnRequest
				if req.SessionID == "" {
					req.SessionID = sessionID
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					h.pump(context.WithoutCancel(c.Request.Context()), &req, w, connGone)
					mu.Lock()
					busy = false
					mu.Unlock()
				}()

			default:
				if err := w.WriteEvent(events.Error("", "unknown message type "+msg.Type)); err != nil {
					return
				}
			}
		}
	}
}
