// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultChunkSize is the splitter chunk size in characters.
const DefaultChunkSize = 1000

const embedBatch = 32

var (
	defaultSeparators = []string{"\n\n", "\n", " ", ""}
	pythonSeparators  = []string{"\nclass ", "\ndef ", "\n\t", "\n", " ", ""}
	cStyleSeparators  = []string{
		"\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\nfunc", "\ntype",
		"\n\n", "\n", " ", "",
	}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is raw text awaiting ingestion.
type Document struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// splitterFor picks separators from the source's file extension.
func splitterFor(source string, size, overlap int) textsplitter.TextSplitter {
	separators := defaultSeparators
	switch strings.ToLower(filepath.Ext(source)) {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".py":
		separators = pythonSeparators
	case ".js", ".ts", ".java", ".c", ".cpp", ".h", ".hpp", ".rs", ".go":
		separators = cStyleSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(separators),
	)
}

// Split cuts doc into chunk texts without embedding them.
func (s *Store) Split(doc Document) ([]string, error) {
	chunks, err := splitterFor(doc.Source, s.chunkSize, s.chunkOverlap).SplitText(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to split content: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// IngestDocument splits, embeds and stores doc.
//
// # Description
//
// Chunks are embedded in batches and written in one batch import. Chunk
// ids are deterministic, so ingesting the same document twice overwrites
// the earlier copy.
//
// # Outputs
//
//   - int: Chunks stored.
//   - error: Split, embed or import failure.
func (s *Store) IngestDocument(ctx context.Context, emb Embedder, doc Document) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.IngestDocument")
	defer span.End()
	span.SetAttributes(attribute.String("source", doc.Source), attribute.String("session_id", doc.SessionID))

	if emb == nil {
		return 0, errors.New("ingestion requires an embedder")
	}
	texts, err := s.Split(doc)
	if err != nil {
		return 0, err
	}
	if len(texts) == 0 {
		s.logger.Warn("No chunks produced after splitting", "source", doc.Source)
		return 0, nil
	}
	s.logger.Info("Split document into chunks", "source", doc.Source, "chunk_count", len(texts))

	chunks := make([]Chunk, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatch {
		end := min(start+embedBatch, len(texts))
		vectors, err := emb.Embed(ctx, texts[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != end-start {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), end-start)
		}
		for i, v := range vectors {
			chunks = append(chunks, Chunk{
				SessionID: doc.SessionID,
				Source:    doc.Source,
				Content:   texts[start+i],
				Index:     start + i,
				Vector:    v,
			})
		}
	}

	stored, err := s.InsertBatch(ctx, chunks)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("chunks", stored))
	s.logger.Info("Successfully processed document", "source", doc.Source, "chunks_processed", stored)
	return stored, nil
}
