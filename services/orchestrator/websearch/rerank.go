// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package websearch

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Rerank orders results by cosine similarity between the query and each
// result's title plus snippet.
//
// # Description
//
// The query and every candidate are embedded in one call. On any failure
// (nil embedder, provider error, wrong vector count, mismatched dimensions)
// the input order is returned unchanged together with the error, so callers
// can log it and carry on unranked. Ties keep provider order.
//
// # Outputs
//
//   - []datatypes.SearchResult: A new slice; Score holds the similarity.
//   - error: Why the results are unranked, or nil.
func Rerank(ctx context.Context, emb Embedder, query string, results []datatypes.SearchResult) ([]datatypes.SearchResult, error) {
	out := slices.Clone(results)
	if len(out) == 0 {
		return out, nil
	}
	if emb == nil {
		return out, fmt.Errorf("rerank: no embedder")
	}

	texts := make([]string, 0, len(out)+1)
	texts = append(texts, query)
	for _, r := range out {
		texts = append(texts, r.Title+"\n"+r.Snippet)
	}

	vecs, err := emb.Embed(ctx, texts)
	if err != nil {
		return out, fmt.Errorf("rerank: embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return out, fmt.Errorf("rerank: got %d vectors for %d texts", len(vecs), len(texts))
	}

	scored := slices.Clone(out)
	for i := range scored {
		sim, ok := Cosine(vecs[0], vecs[i+1])
		if !ok {
			return out, fmt.Errorf("rerank: vector %d has dimension %d, query has %d", i, len(vecs[i+1]), len(vecs[0]))
		}
		scored[i].Score = sim
	}
	slices.SortStableFunc(scored, func(a, b datatypes.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	return scored, nil
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// lengths differ or either vector is empty. A zero vector scores 0.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, true
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
