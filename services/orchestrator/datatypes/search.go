// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SearchResult is one web search hit.
//
// Score is zero until the result has been reranked.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// RetrievedChunk is one chunk returned by the retrieval store.
type RetrievedChunk struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

// HistoryRow is one stored conversation message.
//
// Role is the raw tag as persisted ("human", "ai", "system", "tool", ...).
// It is mapped onto chat roles when the history is loaded into a prompt.
type HistoryRow struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
