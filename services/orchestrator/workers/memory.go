// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
)

// Memory loads the session's recent history into the context.
type Memory struct {
	store HistoryStore
	limit int
}

// NewMemory returns the memory worker. limit <= 0 uses DefaultHistoryLimit.
func NewMemory(store HistoryStore, limit int) *Memory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Memory{store: store, limit: limit}
}

func (w *Memory) Name() string { return NameMemory }

// Execute replaces pc.History with the last rows of the session.
//
// # Description
//
// Stored role tags are mapped onto chat roles: "ai" and "tool" become
// assistant, "system" stays system, anything else is the user. Rows with
// blank content are dropped. A store failure is retryable.
func (w *Memory) Execute(ctx context.Context, pc *pipeline.Context) error {
	if w.store == nil {
		return pipeline.Skip("no history store")
	}
	rows, err := w.store.Recent(ctx, pc.SessionID, w.limit)
	if err != nil {
		return pipeline.Retry(fmt.Errorf("load history: %w", err))
	}
	pc.History = HistoryMessages(rows)
	return nil
}

// HistoryMessages maps stored rows onto chat messages.
func HistoryMessages(rows []datatypes.HistoryRow) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		out = append(out, datatypes.Message{Role: chatRole(r.Role), Content: r.Content})
	}
	return out
}

func chatRole(stored string) string {
	switch strings.ToLower(stored) {
	case conversation.RoleAI, datatypes.RoleTool, datatypes.RoleAssistant:
		return datatypes.RoleAssistant
	case datatypes.RoleSystem:
		return datatypes.RoleSystem
	default:
		return datatypes.RoleUser
	}
}
