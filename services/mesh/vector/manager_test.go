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
	"errors"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// fakeStore records upserts and serves canned hits.
type fakeStore struct {
	mu      sync.Mutex
	ready   bool
	objects map[string]Object
	deleted []string
	hits    []Hit
}

func newFakeStore() *fakeStore {
	return &fakeStore{ready: true, objects: map[string]Object{}}
}

func (f *fakeStore) Ready(context.Context) bool       { return f.ready }
func (f *fakeStore) EnsureSchema(context.Context) error { return nil }

func (f *fakeStore) UpsertBatch(_ context.Context, _ string, objs []Object) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range objs {
		f.objects[o.ID] = o
	}
	return len(objs), nil
}

func (f *fakeStore) DeleteProject(_ context.Context, _, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, projectID)
	return nil
}

func (f *fakeStore) QueryNearVector(context.Context, string, string, []float32, int, int64) ([]Hit, error) {
	return f.hits, nil
}

func (f *fakeStore) QueryBM25(context.Context, string, string, string, int) ([]Hit, error) {
	return f.hits, nil
}

func (f *fakeStore) CountObjects(_ context.Context, _, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.objects {
		if pid, _ := o.Properties["projectId"].(string); pid == projectID {
			n++
		}
	}
	return n, nil
}

// fakeEmbedder returns a constant small vector per text.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func seedGraph(t *testing.T, n int) graph.Store {
	t.Helper()
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	for i := 0; i < n; i++ {
		err := s.UpsertNode(context.Background(), &graph.Node{
			ID:        "fn:" + string(rune('a'+i)),
			ProjectID: "p1",
			Type:      graph.NodeFunction,
			Properties: map[string]any{
				"name":    "fn" + string(rune('a'+i)),
				"path":    "src/x.ts",
				"snippet": "function body",
			},
			ValidFrom: graph.NowMilli(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestRegenerateSetsReady(t *testing.T) {
	fs := newFakeStore()
	g := seedGraph(t, 3)
	m := NewManager(fs, &fakeEmbedder{}, g, nil)

	if m.Ready("p1") {
		t.Fatal("project must start not-ready")
	}

	stored, err := m.Regenerate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if stored != 3 {
		t.Errorf("stored = %d, want 3", stored)
	}
	if !m.Ready("p1") {
		t.Error("project must be ready after regeneration")
	}
	if len(fs.deleted) != 1 || fs.deleted[0] != "p1" {
		t.Errorf("previous embeddings not cleared: %v", fs.deleted)
	}
	if len(fs.objects) != 3 {
		t.Errorf("objects stored = %d, want 3", len(fs.objects))
	}
	for id, o := range fs.objects {
		if o.Properties["projectId"] != "p1" {
			t.Errorf("object %s missing project scope: %v", id, o.Properties)
		}
		if len(o.Vector) == 0 {
			t.Errorf("object %s has no vector", id)
		}
	}
}

func TestMarkDirtyGatesSemanticSearch(t *testing.T) {
	fs := newFakeStore()
	fs.hits = []Hit{{EntityID: "fn:a", Name: "fna", Score: 0.9}}
	g := seedGraph(t, 1)
	m := NewManager(fs, &fakeEmbedder{}, g, nil)
	ctx := context.Background()

	if _, err := m.SemanticSearch(ctx, "p1", "query", 5, 0); !errors.Is(err, ErrEmbeddingsNotReady) {
		t.Fatalf("search before regenerate = %v, want ErrEmbeddingsNotReady", err)
	}

	if _, err := m.Regenerate(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	hits, err := m.SemanticSearch(ctx, "p1", "query", 5, 0)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search after regenerate = %v (%v)", hits, err)
	}

	m.MarkDirty("p1")
	if _, err := m.SemanticSearch(ctx, "p1", "query", 5, 0); !errors.Is(err, ErrEmbeddingsNotReady) {
		t.Errorf("search after MarkDirty = %v, want ErrEmbeddingsNotReady", err)
	}
}

func TestSearchEntityIDsSwallowsNotReady(t *testing.T) {
	fs := newFakeStore()
	g := seedGraph(t, 1)
	m := NewManager(fs, &fakeEmbedder{}, g, nil)

	ids, err := m.SearchEntityIDs(context.Background(), "p1", "query", 5)
	if err != nil || ids != nil {
		t.Errorf("not-ready hint lookup = (%v, %v), want (nil, nil)", ids, err)
	}
}

func TestRegenerateUnavailableStore(t *testing.T) {
	fs := newFakeStore()
	fs.ready = false
	g := seedGraph(t, 1)
	m := NewManager(fs, &fakeEmbedder{}, g, nil)

	if _, err := m.Regenerate(context.Background(), "p1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Regenerate with store down = %v, want ErrUnavailable", err)
	}
	if m.Ready("p1") {
		t.Error("project must stay not-ready")
	}
}

func TestObjectCountSumsCollections(t *testing.T) {
	fs := newFakeStore()
	g := seedGraph(t, 3)
	m := NewManager(fs, &fakeEmbedder{}, g, nil)
	ctx := context.Background()

	if _, err := m.Regenerate(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	n, err := m.ObjectCount(ctx, "p1")
	if err != nil || n != 3 {
		t.Fatalf("ObjectCount = %d (%v), want 3", n, err)
	}

	// A second tracked collection contributes to the sum. The fake
	// ignores class names, so registering one doubles the count.
	m.TrackCollection("LibraryDoc")
	m.TrackCollection("LibraryDoc") // idempotent
	n, err = m.ObjectCount(ctx, "p1")
	if err != nil || n != 6 {
		t.Fatalf("ObjectCount with docs class = %d (%v), want 6", n, err)
	}

	// Other projects never leak into the count.
	n, err = m.ObjectCount(ctx, "p2")
	if err != nil || n != 0 {
		t.Errorf("ObjectCount other project = %d (%v), want 0", n, err)
	}
}

func TestEmbeddingText(t *testing.T) {
	n := &graph.Node{
		ID:   "fn:x",
		Type: graph.NodeFunction,
		Properties: map[string]any{
			"name":      "parseConfig",
			"path":      "src/config.ts",
			"signature": "parseConfig(raw: string): Config",
		},
	}
	got := embeddingText(n)
	want := "FUNCTION parseConfig in src/config.ts\nparseConfig(raw: string): Config"
	if got != want {
		t.Errorf("embeddingText = %q, want %q", got, want)
	}
}
