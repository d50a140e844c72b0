// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires idle sessions.
//
// # Description
//
// A session is idle when its newest history row is older than MaxIdle.
// Expiring a session cascades: its retrieval chunks are deleted first and
// its history second, so a failed chunk delete leaves the session visible
// and it is retried on the next cycle.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// IdleLister finds idle sessions. Implemented by conversation.Store.
type IdleLister interface {
	IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// SessionDeleter removes everything stored for a session. Implemented by
// conversation.Store and retrieval.Store.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

// CleanupResult reports one cleanup cycle.
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	SessionsFound   int
	SessionsDeleted int
	RowsDeleted     int
	ChunksDeleted   int
	Errors          []CleanupError
}

// Duration returns the total duration of the cleanup cycle.
func (r *CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// HasErrors returns true if any session failed to delete.
func (r *CleanupResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// CleanupError records which session failed to delete and why.
type CleanupError struct {
	SessionID string
	Stage     string
	Err       error
}

func (e CleanupError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Stage, e.Err)
}

// =============================================================================
// Cleaner
// =============================================================================

// Cleaner deletes idle sessions in batches.
//
// # Thread Safety
//
// Safe for concurrent use if its collaborators are.
type Cleaner struct {
	history IdleLister
	deleter SessionDeleter
	chunks  SessionDeleter
	maxIdle time.Duration
	batch   int
	now     func() time.Time
	logger  *slog.Logger
}

// NewCleaner creates a cleaner.
//
// # Inputs
//
//   - history: Lists idle sessions and deletes their rows.
//   - chunks: Deletes retrieval chunks. May be nil when retrieval is off.
//   - maxIdle: Inactivity after which a session expires. Must be > 0.
//   - batch: Maximum sessions per cycle. <= 0 means unbounded.
func NewCleaner(history interface {
	IdleLister
	SessionDeleter
}, chunks SessionDeleter, maxIdle time.Duration, batch int, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		history: history,
		deleter: history,
		chunks:  chunks,
		maxIdle: maxIdle,
		batch:   batch,
		now:     time.Now,
		logger:  logger.With("component", "ttl"),
	}
}

// Cleanup runs one cycle.
//
// # Outputs
//
//   - CleanupResult: Per-cycle counts. Per-session failures are collected
//     in Errors and do not stop the cycle.
//   - error: Non-nil only if idle sessions could not be listed.
func (c *Cleaner) Cleanup(ctx context.Context) (CleanupResult, error) {
	res := CleanupResult{StartTime: c.now()}

	idle, err := c.history.IdleSessions(ctx, res.StartTime.Add(-c.maxIdle), c.batch)
	if err != nil {
		res.EndTime = c.now()
		return res, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	res.SessionsFound = len(idle)

	for _, id := range idle {
		if err := ctx.Err(); err != nil {
			res.EndTime = c.now()
			return res, err
		}
		if c.chunks != nil {
			n, err := c.chunks.DeleteSession(ctx, id)
			if err != nil {
				c.logger.Warn("Failed to delete session chunks", "session_id", id, "error", err)
				res.Errors = append(res.Errors, CleanupError{SessionID: id, Stage: "chunks", Err: err})
				continue
			}
			res.ChunksDeleted += n
		}
		n, err := c.deleter.DeleteSession(ctx, id)
		if err != nil {
			c.logger.Warn("Failed to delete session history", "session_id", id, "error", err)
			res.Errors = append(res.Errors, CleanupError{SessionID: id, Stage: "history", Err: err})
			continue
		}
		res.RowsDeleted += n
		res.SessionsDeleted++
	}
	res.EndTime = c.now()
	return res, nil
}
