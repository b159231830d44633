// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *EmbeddedStore {
	t.Helper()
	s, err := NewEmbeddedStore(EmbeddedOptions{})
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fn(projectID, id, name, path string) *Node {
	return &Node{
		ID:        id,
		ProjectID: projectID,
		Type:      NodeFunction,
		ValidFrom: NowMilli(),
		Properties: map[string]any{
			"name": name,
			"path": path,
		},
	}
}

func TestUpsertEndsPreviousLiveRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := fn("p1", "fn:a", "alpha", "src/a.go")
	first.ValidFrom = 100
	if err := s.UpsertNode(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := fn("p1", "fn:a", "alpha", "src/a.go")
	second.ValidFrom = 200
	if err := s.UpsertNode(ctx, second); err != nil {
		t.Fatalf("upsert v2: %v", err)
	}

	live, err := s.GetLive(ctx, "p1", "fn:a")
	if err != nil {
		t.Fatalf("GetLive: %v", err)
	}
	if live.ValidFrom != 200 {
		t.Errorf("live validFrom = %d, want 200", live.ValidFrom)
	}

	all, err := s.Nodes(ctx, "p1", NodeFilter{})
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	var liveCount int
	for _, n := range all {
		if n.Live() {
			liveCount++
		}
	}
	if liveCount != 1 {
		t.Errorf("live rows = %d, want exactly 1 per (id, projectId)", liveCount)
	}
	if first.ValidTo == nil || *first.ValidTo != 200 {
		t.Errorf("previous row validTo = %v, want 200", first.ValidTo)
	}
}

func TestEndNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := fn("p1", "fn:a", "alpha", "src/a.go")
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := s.EndNode(ctx, "p1", "fn:a", 999); err != nil {
		t.Fatalf("EndNode: %v", err)
	}
	if _, err := s.GetLive(ctx, "p1", "fn:a"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("GetLive after end = %v, want ErrNodeNotFound", err)
	}
	if err := s.EndNode(ctx, "p1", "fn:a", 1000); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("double EndNode = %v, want ErrNodeNotFound", err)
	}
}

func TestProjectIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertNode(ctx, fn("pa", "fn:x", "x", "src/x.go")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetLive(ctx, "pb", "fn:x"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("cross-project GetLive = %v, want ErrNodeNotFound", err)
	}
	counts, err := s.Counts(ctx, "pb")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Nodes != 0 {
		t.Errorf("pb nodes = %d, want 0", counts.Nodes)
	}
}

func TestAddedRemovedSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := fn("p1", "fn:old", "old", "src/old.go")
	old.ValidFrom = 100
	if err := s.UpsertNode(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := fn("p1", "fn:new", "fresh", "src/new.go")
	fresh.ValidFrom = 5000
	if err := s.UpsertNode(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.EndNode(ctx, "p1", "fn:old", 6000); err != nil {
		t.Fatal(err)
	}

	added, err := s.AddedSince(ctx, "p1", []NodeType{NodeFunction}, 1000, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].ID != "fn:new" {
		t.Errorf("added = %v, want [fn:new]", added)
	}

	removed, err := s.RemovedSince(ctx, "p1", []NodeType{NodeFunction}, 1000, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].ID != "fn:old" {
		t.Errorf("removed = %v, want [fn:old]", removed)
	}
}

func TestTxOrderingAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	txs := []*Tx{
		{ID: "tx-1", ProjectID: "p1", Type: TxFullRebuild, Timestamp: 100, GitCommit: "abc1234"},
		{ID: "tx-2", ProjectID: "p1", Type: TxIncrementalRebuild, Timestamp: 300, AgentID: "agent-7"},
		{ID: "tx-3", ProjectID: "p1", Type: TxIncrementalRebuild, Timestamp: 200},
	}
	for _, tx := range txs {
		if err := s.AppendTx(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	since, err := s.TxsSince(ctx, "p1", 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 || since[0].ID != "tx-3" || since[1].ID != "tx-2" {
		t.Errorf("TxsSince order wrong: %v", since)
	}

	byCommit, err := s.FindTx(ctx, "p1", "gitCommit", "abc1234")
	if err != nil || byCommit.ID != "tx-1" {
		t.Errorf("FindTx by commit = %v, %v", byCommit, err)
	}
	byAgent, err := s.FindTx(ctx, "p1", "agentId", "agent-7")
	if err != nil || byAgent.ID != "tx-2" {
		t.Errorf("FindTx by agent = %v, %v", byAgent, err)
	}
	if _, err := s.FindTx(ctx, "p1", "id", "tx-missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("FindTx missing = %v, want ErrNodeNotFound", err)
	}
}

func TestRelationshipsAdjacency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertNode(ctx, fn("p1", id, id, "src/"+id+".go")); err != nil {
			t.Fatal(err)
		}
	}
	rels := []*Relationship{
		{ID: "r1", ProjectID: "p1", From: "a", To: "b", Type: RelCalls},
		{ID: "r2", ProjectID: "p1", From: "a", To: "c", Type: RelReferences},
	}
	for _, r := range rels {
		if err := s.AddRelationship(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	calls, err := s.RelationshipsFrom(ctx, "p1", "a", RelCalls)
	if err != nil || len(calls) != 1 || calls[0].To != "b" {
		t.Errorf("RelationshipsFrom calls = %v, %v", calls, err)
	}
	incoming, err := s.RelationshipsTo(ctx, "p1", "c")
	if err != nil || len(incoming) != 1 || incoming[0].From != "a" {
		t.Errorf("RelationshipsTo = %v, %v", incoming, err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewEmbeddedStore(EmbeddedOptions{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertNode(ctx, fn("p1", "fn:a", "alpha", "src/a.go")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRelationship(ctx, &Relationship{ID: "r1", ProjectID: "p1", From: "fn:a", To: "fn:a", Type: RelCalls}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTx(ctx, &Tx{ID: "tx-1", ProjectID: "p1", Type: TxFullRebuild, Timestamp: 42}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewEmbeddedStore(EmbeddedOptions{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	node, err := reopened.GetLive(ctx, "p1", "fn:a")
	if err != nil || node.Prop("name") != "alpha" {
		t.Errorf("reloaded node = %v, %v", node, err)
	}
	txs, err := reopened.TxsSince(ctx, "p1", 0)
	if err != nil || len(txs) != 1 {
		t.Errorf("reloaded txs = %v, %v", txs, err)
	}
	rels, err := reopened.RelationshipsFrom(ctx, "p1", "fn:a")
	if err != nil || len(rels) != 1 {
		t.Errorf("reloaded rels = %v, %v", rels, err)
	}
}

func TestRunQueryUnsupported(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RunQuery(context.Background(), "MATCH (n) RETURN n", nil); !errors.Is(err, ErrQueryUnsupported) {
		t.Errorf("RunQuery = %v, want ErrQueryUnsupported", err)
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()
	if s.Connected() {
		t.Error("closed store must report disconnected")
	}
	if err := s.UpsertNode(context.Background(), fn("p", "id", "n", "p.go")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("upsert on closed = %v, want ErrStoreClosed", err)
	}
}
