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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventWriter writes turn events to one client connection.
//
// # Description
//
// Each written event is chained to the previous one:
//   - PrevHash: Hash of the previous event on this connection
//   - Hash: SHA-256 over the event's identity and content fields
//
// A client can verify that no event was dropped or altered in transit.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type EventWriter interface {
	// WriteEvent stamps the hash chain on ev and writes it.
	WriteEvent(ev events.Event) error

	// WriteKeepAlive keeps an idle connection open. Does not touch the
	// hash chain.
	WriteKeepAlive() error
}

// hashChain stamps Hash and PrevHash.
type hashChain struct {
	prev string
}

func (h *hashChain) stamp(ev *events.Event) {
	ev.PrevHash = h.prev
	ev.Hash = eventHash(*ev)
	h.prev = ev.Hash
}

// eventHash covers metadata, content fields and results.
func eventHash(ev events.Event) string {
	results := ""
	if len(ev.Results) > 0 {
		if data, err := json.Marshal(ev.Results); err == nil {
			results = string(data)
		}
	}
	data := ""
	if len(ev.Data) > 0 {
		if b, err := json.Marshal(ev.Data); err == nil {
			data = string(b)
		}
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		ev.ID,
		ev.Type,
		ev.CreatedAt,
		ev.PrevHash,
		ev.TurnID,
		ev.SessionID,
		ev.Node,
		ev.Content,
		ev.Message,
		ev.Error,
		results,
		data,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain reports the index of the first event whose hash or link does
// not match, or -1 if the chain is intact.
func VerifyChain(evs []events.Event) int {
	prev := ""
	for i, ev := range evs {
		if ev.PrevHash != prev {
			return i
		}
		if eventHash(ev) != ev.Hash {
			return i
		}
		prev = ev.Hash
	}
	return -1
}

// =============================================================================
// SSE
// =============================================================================

// sseWriter writes events in the SSE wire format:
//
//	event: <type>
//	data: <json>
//
// Thread-safe via mutex.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	chain   hashChain
	mu      sync.Mutex
}

// NewSSEWriter wraps w. The caller sets headers with SetSSEHeaders first.
//
// # Outputs
//
//   - EventWriter: Ready to write.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.chain.stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends an SSE comment line.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response for Server-Sent Events. Must be
// called before any body is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// WebSocket
// =============================================================================

// wsWriter writes events as JSON text frames. gorilla connections allow
// one concurrent writer, so every write holds mu.
type wsWriter struct {
	conn  *websocket.Conn
	chain hashChain
	mu    sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.chain.stamp(&ev)
	if err := w.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteKeepAlive sends a ping control frame.
func (w *wsWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// writeJSON sends a non-event frame, such as the session greeting.
func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

var (
	_ EventWriter = (*sseWriter)(nil)
	_ EventWriter = (*wsWriter)(nil)
)
