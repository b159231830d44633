// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector owns the semantic retrieval layer: the Weaviate
// collections holding code symbol embeddings, the embedding generator,
// and the per-project readiness state that gates semantic search.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnavailable is returned when Weaviate is not reachable.
	ErrUnavailable = errors.New("vector store is not available")

	// ErrEmbeddingsNotReady is returned when a project's embeddings have
	// not been generated (or were invalidated by a rebuild).
	ErrEmbeddingsNotReady = errors.New("embeddings not ready for project")
)

// SymbolClassName is the Weaviate class holding code symbol embeddings.
const SymbolClassName = "CodeSymbol"

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// ClientConfig configures the resilient vector store client.
type ClientConfig struct {
	// Scheme is "http" or "https". Default: "http".
	Scheme string

	// Host is the Weaviate host:port. Default: "localhost:8080".
	Host string

	// RetryAttempts is the number of retries for failed requests.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Grows
	// exponentially with ±25% jitter. Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the backoff. Default: 5s
	MaxRetryBackoff time.Duration

	// Logger for client operations. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Scheme:          "http",
		Host:            "localhost:8080",
		RetryAttempts:   3,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Object is one vector store record.
type Object struct {
	ID         string
	Properties map[string]any
	Vector     []float32
}

// Hit is one retrieval result.
type Hit struct {
	EntityID string  `json:"entityId"`
	Name     string  `json:"name"`
	Path     string  `json:"path,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score"`
}

// Client wraps the Weaviate client with retry and availability
// tracking. Requests that keep failing mark the client degraded;
// callers degrade to lexical retrieval instead of erroring out.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	cfg      ClientConfig
	w        *weaviate.Client
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewClient connects to Weaviate. Never fails fast: an unreachable
// server yields a degraded client that recovers on the next success.
func NewClient(cfg ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w, err := weaviate.NewClient(weaviate.Config{Scheme: cfg.Scheme, Host: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Client{cfg: cfg, w: w, logger: cfg.Logger}, nil
}

// Ready probes the server liveness endpoint.
func (c *Client) Ready(ctx context.Context) bool {
	ok, err := c.w.Misc().ReadyChecker().Do(ctx)
	ready := err == nil && ok
	c.degraded.Store(!ready)
	return ready
}

// Degraded reports whether the last operation failed.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// Raw exposes the underlying Weaviate client for subsystems that
// manage their own classes, such as the docs backend.
func (c *Client) Raw() *weaviate.Client { return c.w }

// retry runs op with exponential backoff and jitter.
func (c *Client) retry(ctx context.Context, name string, op func() error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff)/2+1)) - backoff/4
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > c.cfg.MaxRetryBackoff {
				backoff = c.cfg.MaxRetryBackoff
			}
		}
		if err = op(); err == nil {
			c.degraded.Store(false)
			return nil
		}
		c.logger.Debug("vector store operation failed",
			"operation", name, "attempt", attempt, "error", err)
	}
	c.degraded.Store(true)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
}

// EnsureSchema creates the CodeSymbol class if absent. Idempotent.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.w.Schema().ClassGetter().WithClassName(SymbolClassName).Do(ctx); err == nil {
		return nil
	}

	indexFilterable := new(bool)
	*indexFilterable = true
	class := &models.Class{
		Class:       SymbolClassName,
		Description: "Code symbols (functions, classes, files) with externally supplied embeddings",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "entityId", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "projectId", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "name", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "path", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "kind", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "snippet", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "validFrom", DataType: []string{"int"}, IndexFilterable: indexFilterable},
		},
	}
	return c.retry(ctx, "ensure_schema", func() error {
		return c.w.Schema().ClassCreator().WithClass(class).Do(ctx)
	})
}

// UpsertBatch writes objects in batches of 100, returning the count of
// successfully stored objects.
func (c *Client) UpsertBatch(ctx context.Context, class string, objs []Object) (int, error) {
	const batchSize = 100
	stored := 0
	for i := 0; i < len(objs); i += batchSize {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		end := min(i+batchSize, len(objs))

		batch := make([]*models.Object, 0, end-i)
		for _, o := range objs[i:end] {
			obj := &models.Object{
				Class:      class,
				ID:         deterministicUUID(o.ID),
				Properties: o.Properties,
			}
			if len(o.Vector) > 0 {
				obj.Vector = models.C11yVector(o.Vector)
			}
			batch = append(batch, obj)
		}

		err := c.retry(ctx, "upsert_batch", func() error {
			result, err := c.w.Batch().ObjectsBatcher().WithObjects(batch...).Do(ctx)
			if err != nil {
				return err
			}
			for _, r := range result {
				if r.Result == nil || r.Result.Errors == nil {
					stored++
				}
			}
			return nil
		})
		if err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// DeleteProject removes all objects for a project from the class.
func (c *Client) DeleteProject(ctx context.Context, class, projectID string) error {
	return c.retry(ctx, "delete_project", func() error {
		_, err := c.w.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithWhere(projectFilter(projectID)).
			Do(ctx)
		return err
	})
}

// QueryNearVector runs vector similarity search scoped to a project.
// asOf > 0 restricts results to symbols valid at that instant.
func (c *Client) QueryNearVector(ctx context.Context, class, projectID string, vec []float32, limit int, asOf int64) ([]Hit, error) {
	where := projectFilter(projectID)
	if asOf > 0 {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"validFrom"}).
					WithOperator(filters.LessThanEqual).
					WithValueInt(asOf),
			})
	}

	var hits []Hit
	err := c.retry(ctx, "near_vector", func() error {
		result, err := c.w.GraphQL().Get().
			WithClassName(class).
			WithFields(hitFields()...).
			WithNearVector(c.w.GraphQL().NearVectorArgBuilder().WithVector(vec)).
			WithWhere(where).
			WithLimit(limit).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}
		hits = parseHits(result.Data, class)
		return nil
	})
	return hits, err
}

// QueryBM25 runs keyword search scoped to a project.
func (c *Client) QueryBM25(ctx context.Context, class, projectID, query string, limit int) ([]Hit, error) {
	var hits []Hit
	err := c.retry(ctx, "bm25", func() error {
		result, err := c.w.GraphQL().Get().
			WithClassName(class).
			WithFields(hitFields()...).
			WithBM25(c.w.GraphQL().Bm25ArgBuilder().WithQuery(query)).
			WithWhere(projectFilter(projectID)).
			WithLimit(limit).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}
		hits = parseHits(result.Data, class)
		return nil
	})
	return hits, err
}

// CountObjects counts the project's stored objects in a class.
func (c *Client) CountObjects(ctx context.Context, class, projectID string) (int, error) {
	var count int
	err := c.retry(ctx, "count_objects", func() error {
		result, err := c.w.GraphQL().Aggregate().
			WithClassName(class).
			WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
			WithWhere(projectFilter(projectID)).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}
		count = parseAggregateCount(result.Data, class)
		return nil
	})
	return count, err
}

// parseAggregateCount decodes the meta count from an Aggregate payload.
func parseAggregateCount(data map[string]models.JSONObject, class string) int {
	agg, ok := data["Aggregate"].(map[string]any)
	if !ok {
		return 0
	}
	rows, ok := agg[class].([]any)
	if !ok || len(rows) == 0 {
		return 0
	}
	m, ok := rows[0].(map[string]any)
	if !ok {
		return 0
	}
	meta, ok := m["meta"].(map[string]any)
	if !ok {
		return 0
	}
	if v, ok := meta["count"].(float64); ok {
		return int(v)
	}
	return 0
}

// deterministicUUID derives a stable object id from the entity id so
// re-upserts overwrite instead of duplicating.
func deterministicUUID(entityID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(entityID)).String())
}

func projectFilter(projectID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)
}

func hitFields() []graphql.Field {
	return []graphql.Field{
		{Name: "entityId"},
		{Name: "name"},
		{Name: "path"},
		{Name: "kind"},
		{Name: "snippet"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}, {Name: "score"}}},
	}
}

// parseHits decodes the GraphQL Get payload into hits.
func parseHits(data map[string]models.JSONObject, class string) []Hit {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	rows, ok := get[class].([]any)
	if !ok {
		return nil
	}

	str := func(m map[string]any, key string) string {
		s, _ := m[key].(string)
		return s
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		h := Hit{
			EntityID: str(m, "entityId"),
			Name:     str(m, "name"),
			Path:     str(m, "path"),
			Kind:     str(m, "kind"),
			Snippet:  str(m, "snippet"),
		}
		if add, ok := m["_additional"].(map[string]any); ok {
			if v, ok := add["certainty"].(float64); ok && v > 0 {
				h.Score = v
			} else if s, ok := add["score"].(string); ok {
				fmt.Sscanf(s, "%f", &h.Score)
			}
		}
		hits = append(hits, h)
	}
	return hits
}
