// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// ObjectStore is the vector backend surface the manager needs. The
// production implementation is *Client; tests use a fake.
type ObjectStore interface {
	Ready(ctx context.Context) bool
	EnsureSchema(ctx context.Context) error
	UpsertBatch(ctx context.Context, class string, objs []Object) (int, error)
	DeleteProject(ctx context.Context, class, projectID string) error
	QueryNearVector(ctx context.Context, class, projectID string, vec []float32, limit int, asOf int64) ([]Hit, error)
	QueryBM25(ctx context.Context, class, projectID, query string, limit int) ([]Hit, error)
	CountObjects(ctx context.Context, class, projectID string) (int, error)
}

// embedBatchSize bounds one embedding API call.
const embedBatchSize = 64

// snippetChars caps the code snippet sent to the embedder per symbol.
const snippetChars = 1200

// Manager owns per-project embedding state.
//
// # Description
//
// Full rebuilds regenerate embeddings for every live FILE, FUNCTION and
// CLASS node; incremental rebuilds mark the project dirty so semantic
// search degrades to lexical until the next regeneration. Readiness is
// process-local state, reported by health checks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	store    ObjectStore
	embedder Embedder
	graph    graph.Store
	logger   *slog.Logger

	mu      sync.RWMutex
	ready   map[string]bool
	classes []string
}

// NewManager wires an embedding manager.
func NewManager(store ObjectStore, embedder Embedder, g graph.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		graph:    g,
		logger:   logger,
		ready:    make(map[string]bool),
		classes:  []string{SymbolClassName},
	}
}

// TrackCollection adds a class to the object count aggregate.
// Subsystems sharing the vector store, such as the docs backend,
// register their classes here.
func (m *Manager) TrackCollection(class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.classes {
		if c == class {
			return
		}
	}
	m.classes = append(m.classes, class)
}

// ObjectCount sums the project's stored objects across all tracked
// collections.
func (m *Manager) ObjectCount(ctx context.Context, projectID string) (int, error) {
	m.mu.RLock()
	classes := append([]string(nil), m.classes...)
	m.mu.RUnlock()

	total := 0
	for _, class := range classes {
		n, err := m.store.CountObjects(ctx, class, projectID)
		if err != nil {
			return total, fmt.Errorf("count %s: %w", class, err)
		}
		total += n
	}
	return total, nil
}

// Ready reports whether semantic search is available for the project.
func (m *Manager) Ready(projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready[projectID]
}

// MarkDirty invalidates the project's embeddings. Called after
// incremental rebuilds, which change symbols without re-embedding them.
func (m *Manager) MarkDirty(projectID string) {
	m.mu.Lock()
	m.ready[projectID] = false
	m.mu.Unlock()
	m.logger.Debug("embeddings marked dirty", "project_id", projectID)
}

// Regenerate rebuilds the project's embeddings from the graph.
//
// # Outputs
//
//   - int: symbols embedded and stored.
//   - error: embedding or storage failures; the project stays not-ready.
func (m *Manager) Regenerate(ctx context.Context, projectID string) (int, error) {
	if !m.store.Ready(ctx) {
		return 0, fmt.Errorf("%w: cannot regenerate embeddings", ErrUnavailable)
	}
	if err := m.store.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	nodes, err := m.graph.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFile, graph.NodeFunction, graph.NodeClass},
		LiveOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("load symbols: %w", err)
	}

	if err := m.store.DeleteProject(ctx, SymbolClassName, projectID); err != nil {
		m.logger.Warn("failed to clear previous embeddings",
			"project_id", projectID, "error", err)
	}

	stored := 0
	for i := 0; i < len(nodes); i += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		batch := nodes[i:min(i+embedBatchSize, len(nodes))]

		texts := make([]string, len(batch))
		for j, n := range batch {
			texts[j] = embeddingText(n)
		}
		vectors, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return stored, fmt.Errorf("embed batch: %w", err)
		}

		objs := make([]Object, len(batch))
		for j, n := range batch {
			objs[j] = Object{
				ID: projectID + "/" + n.ID,
				Properties: map[string]any{
					"entityId":  n.ID,
					"projectId": projectID,
					"name":      n.Name(),
					"path":      n.Prop("path"),
					"kind":      string(n.Type),
					"snippet":   truncate(n.Prop("snippet"), snippetChars),
					"validFrom": n.ValidFrom,
				},
				Vector: vectors[j],
			}
		}
		n, err := m.store.UpsertBatch(ctx, SymbolClassName, objs)
		stored += n
		if err != nil {
			return stored, err
		}
	}

	m.mu.Lock()
	m.ready[projectID] = true
	m.mu.Unlock()
	m.logger.Info("embeddings regenerated", "project_id", projectID, "symbols", stored)
	return stored, nil
}

// SemanticSearch runs vector similarity search for the query. Returns
// ErrEmbeddingsNotReady when the project has no current embeddings so
// callers can fall back to lexical retrieval. asOf > 0 filters to
// symbols valid at that instant.
func (m *Manager) SemanticSearch(ctx context.Context, projectID, query string, limit int, asOf int64) ([]Hit, error) {
	if !m.Ready(projectID) {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingsNotReady, projectID)
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.store.QueryNearVector(ctx, SymbolClassName, projectID, vecs[0], limit, asOf)
}

// KeywordSearch runs BM25 search over the symbol collection.
func (m *Manager) KeywordSearch(ctx context.Context, projectID, query string, limit int) ([]Hit, error) {
	return m.store.QueryBM25(ctx, SymbolClassName, projectID, query, limit)
}

// SearchEntityIDs returns the entity ids of the nearest symbols.
// Satisfies the episode engine's entity hint contract. Not-ready
// projects yield an empty result, not an error.
func (m *Manager) SearchEntityIDs(ctx context.Context, projectID, query string, topK int) ([]string, error) {
	hits, err := m.SemanticSearch(ctx, projectID, query, topK, 0)
	if err != nil {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.EntityID)
	}
	return ids, nil
}

// embeddingText builds the text embedded for a symbol.
func embeddingText(n *graph.Node) string {
	text := string(n.Type) + " " + n.Name()
	if p := n.Prop("path"); p != "" {
		text += " in " + p
	}
	if sig := n.Prop("signature"); sig != "" {
		text += "\n" + sig
	}
	if snip := n.Prop("snippet"); snip != "" {
		text += "\n" + truncate(snip, snippetChars)
	}
	return text
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
