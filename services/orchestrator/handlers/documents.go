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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/policy"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/retrieval"
)

// DocumentStore is the retrieval store as seen by the HTTP surface.
// Implemented by retrieval.Store.
type DocumentStore interface {
	IngestDocument(ctx context.Context, emb retrieval.Embedder, doc retrieval.Document) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Reindex(ctx context.Context, emb retrieval.Embedder, sessionID string) (int, error)
}

// DocumentLoader fetches a document by uri. Implemented by
// retrieval.GCSSource for gs:// uris.
type DocumentLoader interface {
	Load(ctx context.Context, uri, sessionID string) (retrieval.Document, error)
}

// HistoryStore is the episodic history store as seen by the HTTP surface.
// Implemented by conversation.Store.
type HistoryStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.HistoryRow, error)
	Count(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

// ContentChecker rejects documents that must not be stored. Implemented
// by policy.Scanner.
type ContentChecker interface {
	Check(text string) error
}

// SessionHandler serves document ingestion and session administration.
// Any collaborator may be nil; the routes that need it answer 503.
type SessionHandler struct {
	// Policy, when set, rejects documents with 422 before they are
	// embedded.
	Policy ContentChecker

	docs     DocumentStore
	embedder retrieval.Embedder
	loader   DocumentLoader
	history  HistoryStore
	logger   *slog.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(docs DocumentStore, embedder retrieval.Embedder, loader DocumentLoader, history HistoryStore, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		docs:     docs,
		embedder: embedder,
		loader:   loader,
		history:  history,
		logger:   logger.With("component", "handlers"),
	}
}

// =============================================================================
// Documents
// =============================================================================

// IngestDocumentRequest adds text to the retrieval store. Either Content
// or URI is required. An empty SessionID stores the document globally.
type IngestDocumentRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Content   string `json:"content,omitempty"`
	// URI is a gs://bucket/object to read the content from.
	URI string `json:"uri,omitempty"`
}

// CreateDocument serves POST /v1/documents.
func (h *SessionHandler) CreateDocument() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.docs == nil || h.embedder == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval is not configured"})
			return
		}
		var req IngestDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		doc, status, err := h.document(c.Request.Context(), req)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if h.Policy != nil {
			if err := h.Policy.Check(doc.Content); err != nil {
				h.logger.Warn("Document rejected by policy", "source", doc.Source, "error", err)
				body := gin.H{"error": err.Error()}
				var v *policy.ViolationError
				if errors.As(err, &v) {
					body["findings"] = v.Findings
				}
				c.JSON(http.StatusUnprocessableEntity, body)
				return
			}
		}

		chunks, err := h.docs.IngestDocument(c.Request.Context(), h.embedder, doc)
		if err != nil {
			h.logger.Error("Ingestion failed", "source", doc.Source, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.logger.Info("Document ingested", "source", doc.Source, "session_id", doc.SessionID, "chunks", chunks)
		c.JSON(http.StatusCreated, gin.H{
			"status":           "success",
			"source":           doc.Source,
			"session_id":       doc.SessionID,
			"chunks_processed": chunks,
		})
	}
}

// document resolves the request body into a Document, loading gs:// uris.
func (h *SessionHandler) document(ctx context.Context, req IngestDocumentRequest) (retrieval.Document, int, error) {
	if req.URI != "" {
		if !strings.HasPrefix(req.URI, "gs://") {
			return retrieval.Document{}, http.StatusBadRequest, errUnsupportedURI
		}
		if h.loader == nil {
			return retrieval.Document{}, http.StatusServiceUnavailable, errNoLoader
		}
		doc, err := h.loader.Load(ctx, req.URI, req.SessionID)
		if err != nil {
			return retrieval.Document{}, http.StatusBadGateway, err
		}
		if req.Source != "" {
			doc.Source = req.Source
		}
		return doc, http.StatusOK, nil
	}
	if strings.TrimSpace(req.Content) == "" || strings.TrimSpace(req.Source) == "" {
		return retrieval.Document{}, http.StatusBadRequest, errMissingContent
	}
	return retrieval.Document{SessionID: req.SessionID, Source: req.Source, Content: req.Content}, http.StatusOK, nil
}

// ReindexSession serves POST /v1/sessions/:id/reindex.
func (h *SessionHandler) ReindexSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.docs == nil || h.embedder == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval is not configured"})
			return
		}
		id := c.Param("id")
		n, err := h.docs.Reindex(c.Request.Context(), h.embedder, id)
		if err != nil {
			h.logger.Error("Reindex failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "reindexed": n})
	}
}

// =============================================================================
// Sessions
// =============================================================================

// GetSessionHistory serves GET /v1/sessions/:id/history?limit=N.
func (h *SessionHandler) GetSessionHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.history == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
			return
		}
		var q struct {
			Limit int `form:"limit" binding:"gte=0,lte=1000"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		id := c.Param("id")
		rows, err := h.history.Recent(c.Request.Context(), id, q.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []datatypes.HistoryRow{}
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "history": rows})
	}
}

// CountSession serves GET /v1/sessions/:id/count.
func (h *SessionHandler) CountSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		body := gin.H{"session_id": id}
		if h.history != nil {
			n, err := h.history.Count(c.Request.Context(), id)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			body["history_rows"] = n
		}
		if h.docs != nil {
			n, err := h.docs.Count(c.Request.Context(), id)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			body["chunks"] = n
		}
		c.JSON(http.StatusOK, body)
	}
}

// DeleteSession serves DELETE /v1/sessions/:id: removes the session's
// chunks and its history.
func (h *SessionHandler) DeleteSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		h.logger.Info("Received a request to delete a session", "session_id", id)
		body := gin.H{"status": "success", "deleted_session_id": id}

		if h.docs != nil {
			n, err := h.docs.DeleteSession(c.Request.Context(), id)
			if err != nil {
				h.logger.Error("Failed to delete session chunks", "session_id", id, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete session"})
				return
			}
			body["chunks_deleted"] = n
		}
		if h.history != nil {
			n, err := h.history.DeleteSession(c.Request.Context(), id)
			if err != nil {
				h.logger.Error("Failed to delete session history", "session_id", id, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete session"})
				return
			}
			body["history_deleted"] = n
		}
		c.JSON(http.StatusOK, body)
	}
}
