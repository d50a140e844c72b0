// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval is the retrieval-store collaborator: session scoped
// vector search over document chunks held in Weaviate, plus ingestion of
// new documents.
//
// # Description
//
// Vectors are supplied by the caller (the class uses no Weaviate
// vectorizer), so the same embedding backend serves ingestion and search.
// Chunks ingested without a session belong to GlobalScope and are visible
// to every session.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.orchestrator.retrieval")

// GlobalScope is the session id of chunks shared by all sessions.
const GlobalScope = "global"

const reindexPage = 100

// ErrEmptyVector is returned by Search and Insert for a missing vector.
var ErrEmptyVector = errors.New("vector is empty")

// chunkNamespace seeds deterministic chunk ids, so re-ingesting the same
// text overwrites rather than duplicates.
var chunkNamespace = uuid.MustParse("6f0c5a8e-3b1d-4c7a-9e2f-1d8b7a6c5e40")

// Config configures the Weaviate connection and ingestion.
type Config struct {
	URL          string `yaml:"url" validate:"omitempty,url"`
	TopK         int    `yaml:"top_k" validate:"gte=0,lte=50"`
	ChunkSize    int    `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int    `yaml:"chunk_overlap" validate:"gte=0"`
	// GCSCredentialsFile is a service account key for gs:// ingestion.
	// Empty uses application default credentials.
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// Chunk is one retrievable unit with its embedding.
type Chunk struct {
	SessionID string
	Source    string
	Content   string
	Index     int
	Vector    []float32
}

// ID returns the deterministic object id of the chunk.
func (c Chunk) ID() strfmt.UUID {
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%s", scope(c.SessionID), c.Source, c.Index, c.Content)
	return strfmt.UUID(uuid.NewSHA1(chunkNamespace, []byte(key)).String())
}

func scope(sessionID string) string {
	if sessionID == "" {
		return GlobalScope
	}
	return sessionID
}

// Store is the Weaviate-backed retrieval store.
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client is stateless per call.
type Store struct {
	client       *weaviate.Client
	logger       *slog.Logger
	now          func() time.Time
	chunkSize    int
	chunkOverlap int
}

// NewStore creates a client for cfg.URL. It does not contact the server;
// call EnsureSchema before first use.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", cfg.URL)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:       client,
		logger:       logger.With("component", "retrieval"),
		now:          time.Now,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
	}, nil
}

// chunkSchema describes ChunkClass. Vectors are supplied by the caller.
func chunkSchema() *models.Class {
	filterable := true
	text := func(name, tokenization string) *models.Property {
		return &models.Property{
			Name:            name,
			DataType:        []string{"text"},
			Tokenization:    tokenization,
			IndexFilterable: &filterable,
		}
	}
	return &models.Class{
		Class:       datatypes.ChunkClass,
		Description: "Document chunks available to retrieval-augmented turns",
		Vectorizer:  "none",
		Properties: []*models.Property{
			text("session_id", "field"),
			text("source", "field"),
			text("content", "word"),
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "ingested_at", DataType: []string{"int"}},
		},
	}
}

// EnsureSchema creates ChunkClass if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(datatypes.ChunkClass).Do(ctx); err == nil {
		s.logger.Debug("Chunk schema already exists")
		return nil
	}
	s.logger.Info("Creating chunk schema", "class", datatypes.ChunkClass)
	if err := s.client.Schema().ClassCreator().WithClass(chunkSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", datatypes.ChunkClass, err)
	}
	return nil
}

// sessionFilter matches the session's own chunks and global ones.
func sessionFilter(sessionID string) *filters.WhereBuilder {
	own := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(scope(sessionID))
	if scope(sessionID) == GlobalScope {
		return own
	}
	global := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(GlobalScope)
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands([]*filters.WhereBuilder{own, global})
}

// ownFilter matches only the session's own chunks.
func ownFilter(sessionID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(scope(sessionID))
}

func chunkFields() []graphql.Field {
	return []graphql.Field{
		{Name: "session_id"},
		{Name: "source"},
		{Name: "content"},
		{Name: "chunk_index"},
		{Name: "ingested_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}
}

func graphQLError(resp *models.GraphQLResponse) error {
	if resp != nil && len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return fmt.Errorf("weaviate: %s", resp.Errors[0].Message)
	}
	return nil
}

// Search returns up to limit chunks nearest to vector, scoped to the
// session.
//
// # Description
//
// Score is 1 - cosine distance, so higher is more similar. Results are in
// Weaviate's ranking order.
//
// # Inputs
//
//   - vector: Query embedding. Must be non-empty.
//   - limit: Maximum chunks. Values below 1 become 5.
//   - sessionID: Scope. Global chunks are always included.
func (s *Store) Search(ctx context.Context, vector []float32, limit int, sessionID string) ([]datatypes.RetrievedChunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("limit", limit))

	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if limit < 1 {
		limit = 5
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ChunkClass).
		WithFields(chunkFields()...).
		WithWhere(sessionFilter(sessionID)).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err == nil {
		err = graphQLError(resp)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retrieval search: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.RetrievedChunk, 0, len(parsed.Get.Chunks))
	for _, c := range parsed.Get.Chunks {
		score := 0.0
		if c.Additional.Distance != nil {
			score = 1 - float64(*c.Additional.Distance)
		}
		out = append(out, datatypes.RetrievedChunk{
			ID:        c.Additional.ID,
			SessionID: c.SessionID,
			Source:    c.Source,
			Content:   c.Content,
			Score:     score,
		})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

func (s *Store) object(c Chunk, ingestedAt int64) *models.Object {
	return &models.Object{
		Class:  datatypes.ChunkClass,
		ID:     c.ID(),
		Vector: c.Vector,
		Properties: datatypes.ChunkProperties{
			SessionID:  scope(c.SessionID),
			Source:     c.Source,
			Content:    c.Content,
			ChunkIndex: c.Index,
			IngestedAt: ingestedAt,
		}.ToMap(),
	}
}

// Insert stores one chunk and returns its id.
func (s *Store) Insert(ctx context.Context, c Chunk) (string, error) {
	n, err := s.InsertBatch(ctx, []Chunk{c})
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("chunk %s was not stored", c.ID())
	}
	return c.ID().String(), nil
}

// InsertBatch stores chunks in one request and returns how many succeeded.
// Items rejected by Weaviate are logged; the call fails only when the
// request itself fails.
func (s *Store) InsertBatch(ctx context.Context, chunks []Chunk) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.InsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	if len(chunks) == 0 {
		return 0, nil
	}
	now := s.now().UnixMilli()
	objects := make([]*models.Object, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return 0, fmt.Errorf("chunk %d of %q: %w", c.Index, c.Source, ErrEmptyVector)
		}
		objects = append(objects, s.object(c, now))
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				s.logger.Warn("Error in Weaviate batch item", "id", item.ID, "error", e.Message)
			}
			continue
		}
		s.logger.Warn("Failed Weaviate batch item, no error provided", "id", item.ID)
	}
	if stored < len(chunks) {
		s.logger.Warn("Errors encountered during Weaviate batch import", "stored", stored, "requested", len(chunks))
	}
	return stored, nil
}

// DeleteSession removes every chunk owned by sessionID and returns how many
// were deleted. Global chunks are untouched unless sessionID is GlobalScope.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.DeleteSession")
	defer span.End()

	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.ChunkClass).
		WithOutput("minimal").
		WithWhere(ownFilter(sessionID)).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete session chunks: %w", err)
	}
	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}
	s.logger.Info("Deleted session chunks", "session_id", sessionID, "deleted", deleted)
	return deleted, nil
}

// Count returns the number of chunks owned by sessionID.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Count")
	defer span.End()

	resp, err := s.client.GraphQL().Aggregate().
		WithClassName(datatypes.ChunkClass).
		WithWhere(ownFilter(sessionID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err == nil {
		err = graphQLError(resp)
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkAggregateResponse](resp)
	if err != nil {
		return 0, err
	}
	if len(parsed.Aggregate.Chunks) == 0 {
		return 0, nil
	}
	return parsed.Aggregate.Chunks[0].Meta.Count, nil
}

// Reindex re-embeds every chunk owned by sessionID with emb and writes the
// new vectors back under the same ids.
//
// # Description
//
// Used after switching embedding models. Chunks are read and rewritten one
// page at a time; ingested_at is preserved.
//
// # Outputs
//
//   - int: Chunks rewritten.
//   - error: First read, embed or write failure. Pages already rewritten
//     stay rewritten.
func (s *Store) Reindex(ctx context.Context, emb Embedder, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Reindex")
	defer span.End()

	if emb == nil {
		return 0, errors.New("reindex requires an embedder")
	}
	total := 0
	for offset := 0; ; offset += reindexPage {
		resp, err := s.client.GraphQL().Get().
			WithClassName(datatypes.ChunkClass).
			WithFields(chunkFields()...).
			WithWhere(ownFilter(sessionID)).
			WithLimit(reindexPage).
			WithOffset(offset).
			Do(ctx)
		if err == nil {
			err = graphQLError(resp)
		}
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("reindex read at offset %d: %w", offset, err)
		}
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](resp)
		if err != nil {
			return total, err
		}
		page := parsed.Get.Chunks
		if len(page) == 0 {
			break
		}

		texts := make([]string, len(page))
		for i, c := range page {
			texts[i] = c.Content
		}
		vectors, err := emb.Embed(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("reindex embed: %w", err)
		}
		if len(vectors) != len(page) {
			return total, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(page))
		}

		objects := make([]*models.Object, len(page))
		for i, c := range page {
			obj := s.object(Chunk{
				SessionID: c.SessionID,
				Source:    c.Source,
				Content:   c.Content,
				Index:     c.ChunkIndex,
				Vector:    vectors[i],
			}, c.IngestedAt)
			obj.ID = strfmt.UUID(c.Additional.ID)
			objects[i] = obj
		}
		if _, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx); err != nil {
			return total, fmt.Errorf("reindex write: %w", err)
		}
		total += len(page)
		if len(page) < reindexPage {
			break
		}
	}
	s.logger.Info("Reindexed session chunks", "session_id", sessionID, "chunks", total)
	return total, nil
}
