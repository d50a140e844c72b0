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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/pkg/logging"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/engine"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/policy"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/retrieval"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type runnerFunc func(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error)

func (f runnerFunc) RunTurn(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error) {
	return f(ctx, req, sink)
}

// echoRunner streams the message back word by word.
func echoRunner() runnerFunc {
	return func(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error) {
		for _, w := range strings.Fields(req.Message) {
			if err := sink.Emit(ctx, events.Chunk(w)); err != nil {
				return nil, err
			}
		}
		_ = sink.Emit(ctx, events.Done(req.SessionID))
		return &engine.TurnResult{SessionID: req.SessionID, Output: req.Message}, nil
	}
}

// waitingRunner blocks until its consumer detaches.
func waitingRunner(started chan<- struct{}) runnerFunc {
	return func(ctx context.Context, _ *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error) {
		close(started)
		n := sink.(interface{ Done() <-chan struct{} })
		<-n.Done()
		return nil, context.Canceled
	}
}

type memWriter struct {
	mu     sync.Mutex
	events []events.Event
	chain  hashChain
	fail   bool
}

func (w *memWriter) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broken pipe")
	}
	w.chain.stamp(&ev)
	w.events = append(w.events, ev)
	return nil
}

func (w *memWriter) WriteKeepAlive() error { return nil }

type fakeDocs struct {
	ingested []retrieval.Document
	deleted  []string
	count    int
	err      error
}

func (f *fakeDocs) IngestDocument(_ context.Context, _ retrieval.Embedder, doc retrieval.Document) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.ingested = append(f.ingested, doc)
	return 3, nil
}

func (f *fakeDocs) DeleteSession(_ context.Context, id string) (int, error) {
	f.deleted = append(f.deleted, id)
	return 2, f.err
}

func (f *fakeDocs) Count(context.Context, string) (int, error) { return f.count, f.err }

func (f *fakeDocs) Reindex(context.Context, retrieval.Embedder, string) (int, error) {
	return f.count, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeLoader struct {
	uris []string
}

func (f *fakeLoader) Load(_ context.Context, uri, sessionID string) (retrieval.Document, error) {
	f.uris = append(f.uris, uri)
	return retrieval.Document{SessionID: sessionID, Source: uri, Content: "bucket text"}, nil
}

type fakeHistory struct {
	rows    []datatypes.HistoryRow
	deleted []string
}

func (f *fakeHistory) Recent(_ context.Context, _ string, limit int) ([]datatypes.HistoryRow, error) {
	if limit > 0 && limit < len(f.rows) {
		return f.rows[len(f.rows)-limit:], nil
	}
	return f.rows, nil
}

func (f *fakeHistory) Count(context.Context, string) (int, error) { return len(f.rows), nil }

func (f *fakeHistory) DeleteSession(_ context.Context, id string) (int, error) {
	f.deleted = append(f.deleted, id)
	return len(f.rows), nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTurnRouter(h *TurnHandler) *gin.Engine {
	r := gin.New()
	r.POST("/v1/turn", h.HandleTurnSSE())
	r.POST("/v1/approvals", h.HandleApproval())
	r.GET("/ws/turn", h.HandleTurnWebSocket())
	return r
}

// readSSE parses an SSE body into events.
func readSSE(t *testing.T, body string) []events.Event {
	t.Helper()
	var out []events.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		out = append(out, ev)
	}
	return out
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// SSE
// =============================================================================

func TestHandleTurnSSE_StreamsChainedEvents(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := NewTurnHandler(echoRunner(), nil, m, logging.Discard().Slog())

	rec := postJSON(t, newTurnRouter(h), "/v1/turn", datatypes.TurnRequest{SessionID: "s1", Message: "hello brave world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: chunk\n")

	evs := readSSE(t, rec.Body.String())
	require.Len(t, evs, 4)
	assert.Equal(t, "hello", evs[0].Content)
	assert.Equal(t, events.TypeDone, evs[3].Type)
	assert.Equal(t, -1, VerifyChain(evs))
	assert.Empty(t, evs[0].PrevHash)
	assert.Equal(t, evs[0].Hash, evs[1].PrevHash)
}

func TestHandleTurnSSE_BadBody(t *testing.T) {
	h := NewTurnHandler(echoRunner(), nil, nil, logging.Discard().Slog())
	req := httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	newTurnRouter(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	w := &memWriter{}
	require.NoError(t, w.WriteEvent(events.Chunk("a")))
	require.NoError(t, w.WriteEvent(events.Chunk("b")))
	require.NoError(t, w.WriteEvent(events.Done("s")))
	require.Equal(t, -1, VerifyChain(w.events))

	tampered := append([]events.Event(nil), w.events...)
	tampered[1].Content = "B"
	assert.Equal(t, 1, VerifyChain(tampered))

	dropped := []events.Event{w.events[0], w.events[2]}
	assert.Equal(t, 1, VerifyChain(dropped))
}

// =============================================================================
// Pump
// =============================================================================

func TestPump_ClientGoneCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	h := NewTurnHandler(waitingRunner(started), nil, nil, logging.Discard().Slog())
	gone := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		result <- h.pump(context.Background(), &datatypes.TurnRequest{Message: "x"}, &memWriter{}, gone)
	}()
	<-started
	close(gone)

	select {
	case detached := <-result:
		assert.True(t, detached)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return after the client left")
	}
}

func TestPump_WriteFailureCancelsTurn(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error) {
		for {
			if err := sink.Emit(ctx, events.Chunk("tick")); err != nil {
				return nil, err
			}
		}
	})
	h := NewTurnHandler(runner, nil, nil, logging.Discard().Slog())
	detached := h.pump(context.Background(), &datatypes.TurnRequest{Message: "x"}, &memWriter{fail: true}, nil)
	assert.True(t, detached)
}

func TestPump_FlushesEventsQueuedBeforeReturn(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req *datatypes.TurnRequest, sink events.Sink) (*engine.TurnResult, error) {
		_ = sink.Emit(ctx, events.Chunk("only"))
		return nil, errors.New("ended without terminal event")
	})
	h := NewTurnHandler(runner, nil, nil, logging.Discard().Slog())
	w := &memWriter{}
	assert.False(t, h.pump(context.Background(), &datatypes.TurnRequest{Message: "x"}, w, nil))
	require.Len(t, w.events, 1)
	assert.Equal(t, "only", w.events[0].Content)
}

// =============================================================================
// Approvals
// =============================================================================

func TestHandleApproval(t *testing.T) {
	reg := approval.NewRegistry()
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := NewTurnHandler(echoRunner(), reg, m, logging.Discard().Slog())
	r := newTurnRouter(h)

	pending, ch := reg.Register("shell", map[string]any{"cmd": "ls"})

	rec := postJSON(t, r, "/v1/approvals", ApprovalDecision{RequestID: pending.ID, Approved: true})
	require.Equal(t, http.StatusOK, rec.Code)
	d := <-ch
	assert.True(t, d.Approved)

	rec = postJSON(t, r, "/v1/approvals", ApprovalDecision{RequestID: pending.ID, Approved: true})
	assert.Equal(t, http.StatusNotFound, rec.Code, "a request resolves once")

	rec = postJSON(t, r, "/v1/approvals", map[string]any{"approved": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApproval_Disabled(t *testing.T) {
	h := NewTurnHandler(echoRunner(), nil, nil, logging.Discard().Slog())
	rec := postJSON(t, newTurnRouter(h), "/v1/approvals", ApprovalDecision{RequestID: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// WebSocket
// =============================================================================

func dialWS(t *testing.T, h *TurnHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(newTurnRouter(h))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/turn"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestHandleTurnWebSocket_Turn(t *testing.T) {
	h := NewTurnHandler(echoRunner(), nil, nil, logging.Discard().Slog())
	conn := dialWS(t, h)

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "session_created", hello["type"])
	sessionID, _ := hello["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": WSTypeTurn, "message": "hi there"}))

	var got []events.Event
	for {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev)
		if ev.Type.IsTerminal() {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, events.TypeDone, got[2].Type)
	assert.Equal(t, sessionID, got[2].SessionID, "turns default to the connection session")
	assert.Equal(t, -1, VerifyChain(got))
}

func TestHandleTurnWebSocket_Approval(t *testing.T) {
	reg := approval.NewRegistry()
	h := NewTurnHandler(echoRunner(), reg, nil, logging.Discard().Slog())
	conn := dialWS(t, h)

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	pending, ch := reg.Register("shell", nil)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": WSTypeApproval, "request_id": pending.ID, "approved": false, "reason": "no",
	}))

	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "approval_result", reply["type"])
	assert.EqualValues(t, http.StatusOK, reply["code"])

	d := <-ch
	assert.False(t, d.Approved)
	assert.Equal(t, "no", d.Reason)
}

func TestHandleTurnWebSocket_UnknownType(t *testing.T) {
	h := NewTurnHandler(echoRunner(), nil, nil, logging.Discard().Slog())
	conn := dialWS(t, h)

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))

	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeError, ev.Type)
	assert.Contains(t, ev.Error, "dance")
}

// =============================================================================
// Documents and sessions
// =============================================================================

func newSessionRouter(h *SessionHandler) *gin.Engine {
	r := gin.New()
	r.POST("/v1/documents", h.CreateDocument())
	r.GET("/v1/sessions/:id/history", h.GetSessionHistory())
	r.GET("/v1/sessions/:id/count", h.CountSession())
	r.POST("/v1/sessions/:id/reindex", h.ReindexSession())
	r.DELETE("/v1/sessions/:id", h.DeleteSession())
	return r
}

func TestCreateDocument(t *testing.T) {
	docs := &fakeDocs{}
	loader := &fakeLoader{}
	r := newSessionRouter(NewSessionHandler(docs, fakeEmbedder{}, loader, nil, logging.Discard().Slog()))

	tests := []struct {
		name string
		body IngestDocumentRequest
		code int
	}{
		{"inline content", IngestDocumentRequest{SessionID: "s1", Source: "notes.md", Content: "# Notes"}, http.StatusCreated},
		{"missing content", IngestDocumentRequest{Source: "notes.md"}, http.StatusBadRequest},
		{"gcs uri", IngestDocumentRequest{URI: "gs://bucket/doc.txt"}, http.StatusCreated},
		{"other uri", IngestDocumentRequest{URI: "https://example.com/doc"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, r, "/v1/documents", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	require.Len(t, docs.ingested, 2)
	assert.Equal(t, "notes.md", docs.ingested[0].Source)
	assert.Equal(t, "bucket text", docs.ingested[1].Content)
	assert.Equal(t, []string{"gs://bucket/doc.txt"}, loader.uris)
}

func TestCreateDocument_PolicyRejects(t *testing.T) {
	docs := &fakeDocs{}
	scanner, err := policy.New(policy.DefaultConfig())
	require.NoError(t, err)
	h := NewSessionHandler(docs, fakeEmbedder{}, nil, nil, logging.Discard().Slog())
	h.Policy = scanner
	r := newSessionRouter(h)

	rec := postJSON(t, r, "/v1/documents", IngestDocumentRequest{Source: "creds.txt", Content: "aws = AKIA1234567890123456"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Error    string           `json:"error"`
		Findings []policy.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Findings, 1)
	assert.Equal(t, "AWS_ACCESS_KEY_ID", body.Findings[0].PatternID)
	assert.NotContains(t, rec.Body.String(), "1234567890123456")
	assert.Empty(t, docs.ingested)

	rec = postJSON(t, r, "/v1/documents", IngestDocumentRequest{Source: "notes.md", Content: "meeting notes"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateDocument_Unconfigured(t *testing.T) {
	r := newSessionRouter(NewSessionHandler(nil, nil, nil, nil, logging.Discard().Slog()))
	rec := postJSON(t, r, "/v1/documents", IngestDocumentRequest{Source: "a", Content: "b"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	r = newSessionRouter(NewSessionHandler(&fakeDocs{}, fakeEmbedder{}, nil, nil, logging.Discard().Slog()))
	rec = postJSON(t, r, "/v1/documents", IngestDocumentRequest{URI: "gs://b/o"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessions(t *testing.T) {
	docs := &fakeDocs{count: 7}
	hist := &fakeHistory{rows: []datatypes.HistoryRow{
		{SessionID: "s1", Role: "human", Content: "q"},
		{SessionID: "s1", Role: "ai", Content: "a"},
	}}
	r := newSessionRouter(NewSessionHandler(docs, fakeEmbedder{}, nil, hist, logging.Discard().Slog()))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/count", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var count map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.EqualValues(t, 2, count["history_rows"])
	assert.EqualValues(t, 7, count["chunks"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var hb struct {
		History []datatypes.HistoryRow `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hb))
	require.Len(t, hb.History, 1)
	assert.Equal(t, "a", hb.History[0].Content)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/reindex", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"s1"}, docs.deleted)
	assert.Equal(t, []string{"s1"}, hist.deleted)
}

func TestSessions_DeleteFailure(t *testing.T) {
	docs := &fakeDocs{err: errors.New("weaviate down")}
	hist := &fakeHistory{}
	r := newSessionRouter(NewSessionHandler(docs, fakeEmbedder{}, nil, hist, logging.Discard().Slog()))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, hist.deleted, "history is kept when chunk deletion fails")
}
