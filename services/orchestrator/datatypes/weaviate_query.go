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

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes resp.Data into T by a JSON round trip.
// Fields of T without a matching key stay zero.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, errors.New("empty graphql response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding graphql data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding graphql data into %T: %w", out, err)
	}
	return &out, nil
}

// ChunkClass is the Weaviate class holding retrievable chunks.
const ChunkClass = "AgentChunk"

// ChunkQueryResponse is the Get response shape for ChunkClass.
type ChunkQueryResponse struct {
	Get struct {
		Chunks []ChunkResult `json:"AgentChunk"`
	} `json:"Get"`
}

// ChunkResult is a single chunk from a Get query.
type ChunkResult struct {
	SessionID  string `json:"session_id"`
	Source     string `json:"source"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	IngestedAt int64  `json:"ingested_at"`
	Additional struct {
		ID        string    `json:"id"`
		Distance  *float32  `json:"distance"`
		Certainty *float32  `json:"certainty"`
		Vector    []float32 `json:"vector"`
	} `json:"_additional"`
}

// ChunkAggregateResponse is the Aggregate response shape for ChunkClass.
type ChunkAggregateResponse struct {
	Aggregate struct {
		Chunks []struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"AgentChunk"`
	} `json:"Aggregate"`
}

// ChunkProperties are the stored properties of one chunk.
type ChunkProperties struct {
	SessionID  string
	Source     string
	Content    string
	ChunkIndex int
	IngestedAt int64
}

// ToMap converts ChunkProperties to the property map Weaviate expects.
func (p ChunkProperties) ToMap() map[string]any {
	return map[string]any{
		"session_id":  p.SessionID,
		"source":      p.Source,
		"content":     p.Content,
		"chunk_index": p.ChunkIndex,
		"ingested_at": p.IngestedAt,
	}
}
