// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffsince

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// seedTimeline builds a project history around an anchor transaction:
// before it, fn:old and fn:stable exist; after it, fn:old is removed,
// fn:new appears, and fn:stable is modified in place.
func seedTimeline(t *testing.T) (graph.Store, *graph.Tx) {
	t.Helper()
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	upsert := func(id string, at int64) {
		t.Helper()
		err := s.UpsertNode(ctx, &graph.Node{
			ID: id, ProjectID: "p1", Type: graph.NodeFunction,
			Properties: map[string]any{"name": id},
			ValidFrom:  at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	upsert("fn:old", base)
	upsert("fn:stable", base)

	tx := &graph.Tx{
		ID: "tx-anchor", ProjectID: "p1", Type: graph.TxFullRebuild,
		Mode: "full", Timestamp: base + 1000, GitCommit: "abc1234def",
		AgentID: "agent-1",
	}
	if err := s.AppendTx(ctx, tx); err != nil {
		t.Fatal(err)
	}

	if err := s.EndNode(ctx, "p1", "fn:old", base+2000); err != nil {
		t.Fatal(err)
	}
	upsert("fn:new", base+3000)
	upsert("fn:stable", base+4000) // re-upsert = modified

	later := &graph.Tx{
		ID: "tx-later", ProjectID: "p1", Type: graph.TxIncrementalRebuild,
		Mode: "incremental", Timestamp: base + 5000,
	}
	if err := s.AppendTx(ctx, later); err != nil {
		t.Fatal(err)
	}
	return s, tx
}

func TestComputeByTxID(t *testing.T) {
	s, tx := seedTimeline(t)

	d, err := Compute(context.Background(), s, "p1", tx.ID, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if d.Anchor.Mode != "transaction" {
		t.Errorf("anchor mode = %s, want transaction", d.Anchor.Mode)
	}

	if len(d.Added) != 1 || d.Added[0].ID != "fn:new" {
		t.Errorf("added = %+v, want [fn:new]", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].ID != "fn:old" {
		t.Errorf("removed = %+v, want [fn:old]", d.Removed)
	}
	if len(d.Modified) != 1 || d.Modified[0].ID != "fn:stable" {
		t.Errorf("modified = %+v, want [fn:stable]", d.Modified)
	}

	if len(d.TxIDs) != 2 || d.TxIDs[0] != "tx-anchor" || d.TxIDs[1] != "tx-later" {
		t.Errorf("txIds = %v, want [tx-anchor tx-later]", d.TxIDs)
	}

	want := "1 added, 1 removed, 1 modified since tx-anchor."
	if d.Summary != want {
		t.Errorf("summary = %q, want %q", d.Summary, want)
	}
}

func TestComputeByCommitAndAgent(t *testing.T) {
	s, _ := seedTimeline(t)
	ctx := context.Background()

	byCommit, err := Compute(ctx, s, "p1", "abc1234def", nil)
	if err != nil {
		t.Fatalf("by commit: %v", err)
	}
	if byCommit.Anchor.Mode != "commit" || len(byCommit.Added) != 1 {
		t.Errorf("by commit = %+v", byCommit)
	}

	byAgent, err := Compute(ctx, s, "p1", "agent-1", nil)
	if err != nil {
		t.Fatalf("by agent: %v", err)
	}
	if byAgent.Anchor.Mode != "agent" || len(byAgent.Added) != 1 {
		t.Errorf("by agent = %+v", byAgent)
	}
}

func TestComputeUnknownAnchor(t *testing.T) {
	s, _ := seedTimeline(t)
	if _, err := Compute(context.Background(), s, "p1", "no-such-anchor", nil); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Errorf("unknown anchor = %v, want ErrNodeNotFound", err)
	}
}
