// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

func newTestEngine(t *testing.T) (*Engine, graph.Store) {
	t.Helper()
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, nil), s
}

func seedFunction(t *testing.T, s graph.Store, projectID, id, name string) {
	t.Helper()
	err := s.UpsertNode(context.Background(), &graph.Node{
		ID:        id,
		ProjectID: projectID,
		Type:      graph.NodeFunction,
		Properties: map[string]any{
			"name": name,
			"path": "src/" + name + ".ts",
		},
		ValidFrom: graph.NowMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClaimAndConflict(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:handleLogin", "handleLogin")

	res, err := e.Claim(ctx, "p1", "handleLogin", "agent-a", "t1", IntentEdit, "fixing auth")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Status != StatusCreated || res.Claim == nil {
		t.Fatalf("first claim = %+v, want CREATED", res)
	}
	if res.Claim.ElementID != "fn:handleLogin" {
		t.Errorf("elementId = %q", res.Claim.ElementID)
	}

	// A second agent conflicts and sees the holder.
	res2, err := e.Claim(ctx, "p1", "handleLogin", "agent-b", "t2", IntentEdit, "")
	if err != nil {
		t.Fatalf("Claim conflict: %v", err)
	}
	if res2.Status != StatusConflict || res2.Holder == nil || res2.Holder.AgentID != "agent-a" {
		t.Fatalf("conflict result = %+v", res2)
	}

	// The holder re-claiming refreshes, same id, still CREATED.
	res3, err := e.Claim(ctx, "p1", "handleLogin", "agent-a", "t1", IntentRefactor, "widening scope")
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if res3.Status != StatusCreated || res3.Claim.ID != res.Claim.ID {
		t.Fatalf("re-claim = %+v, want same claim id %s", res3, res.Claim.ID)
	}
	if res3.Claim.Reason != "widening scope" {
		t.Errorf("reason not refreshed: %q", res3.Claim.Reason)
	}
}

func TestClaimUnresolvedTarget(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// A reference the graph has never seen is claimed verbatim.
	res, err := e.Claim(ctx, "p1", "task:1", "agent-a", "", IntentEdit, "")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Status != StatusCreated || res.Claim == nil {
		t.Fatalf("result = %+v, want CREATED", res)
	}
	if res.Claim.ElementID != "task:1" || res.Claim.ElementName != "task:1" {
		t.Errorf("claim = %+v, want verbatim reference", res.Claim)
	}

	// Conflict detection still applies to the verbatim reference.
	res2, err := e.Claim(ctx, "p1", "task:1", "agent-b", "", IntentEdit, "")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if res2.Status != StatusConflict || res2.Holder == nil || res2.Holder.AgentID != "agent-a" {
		t.Fatalf("conflict result = %+v", res2)
	}
}

func TestClaimInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Claim(context.Background(), "p1", "", "agent-a", "", IntentEdit, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty element = %v, want ErrInvalidInput", err)
	}
	if _, err := e.Claim(context.Background(), "p1", "fn:x", "", "", IntentEdit, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty agent = %v, want ErrInvalidInput", err)
	}
}

func TestReleaseSemantics(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:parse", "parse")

	res, err := e.Claim(ctx, "p1", "parse", "agent-a", "", IntentEdit, "")
	if err != nil || res.Status != StatusCreated {
		t.Fatalf("Claim: %+v (%v)", res, err)
	}

	// Wrong agent cannot release.
	if err := e.Release(ctx, "p1", "parse", "agent-b"); !errors.Is(err, ErrNotHolder) {
		t.Errorf("wrong-agent release = %v, want ErrNotHolder", err)
	}

	// Holder releases by element name.
	if err := e.Release(ctx, "p1", "parse", "agent-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e.Release(ctx, "p1", "parse", "agent-a"); !errors.Is(err, ErrClaimNotFound) {
		t.Errorf("double release = %v, want ErrClaimNotFound", err)
	}

	// Element is claimable again.
	res2, err := e.Claim(ctx, "p1", "parse", "agent-b", "", IntentEdit, "")
	if err != nil || res2.Status != StatusCreated {
		t.Errorf("re-claim after release = %+v (%v)", res2, err)
	}
}

func TestStatusAndOverview(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:a", "alpha")
	seedFunction(t, s, "p1", "fn:b", "beta")
	seedFunction(t, s, "p1", "fn:c", "gamma")

	for _, c := range []struct{ el, agent string }{
		{"alpha", "agent-a"}, {"beta", "agent-a"}, {"gamma", "agent-b"},
	} {
		if res, err := e.Claim(ctx, "p1", c.el, c.agent, "", IntentEdit, ""); err != nil || res.Status != StatusCreated {
			t.Fatalf("seed claim %s: %+v (%v)", c.el, res, err)
		}
	}

	mine, err := e.Status(ctx, "p1", "agent-a")
	if err != nil || len(mine) != 2 {
		t.Errorf("Status agent-a = %d claims (%v), want 2", len(mine), err)
	}

	ov, err := e.GetOverview(ctx, "p1")
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if len(ov.ActiveClaims) != 3 || ov.ByAgent["agent-a"] != 2 || ov.ByAgent["agent-b"] != 1 {
		t.Errorf("overview = %+v", ov)
	}
	if len(ov.StaleClaims) != 0 || len(ov.Conflicts) != 0 {
		t.Errorf("overview = %+v, want no stale claims or conflicts", ov)
	}
	if ov.Summary == "" {
		t.Error("overview summary must be populated")
	}
}

func TestOverviewReportsStaleClaims(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:live", "live")

	if _, err := e.Claim(ctx, "p1", "live", "agent-a", "", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}
	// Claim on a target the graph never had.
	if _, err := e.Claim(ctx, "p1", "task:42", "agent-b", "", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}

	ov, err := e.GetOverview(ctx, "p1")
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if len(ov.ActiveClaims) != 1 || ov.ActiveClaims[0].ElementID != "fn:live" {
		t.Errorf("active = %+v", ov.ActiveClaims)
	}
	if len(ov.StaleClaims) != 1 || ov.StaleClaims[0].ElementID != "task:42" {
		t.Errorf("stale = %+v", ov.StaleClaims)
	}
}

func TestReleaseAllForTask(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:a", "alpha")
	seedFunction(t, s, "p1", "fn:b", "beta")

	if _, err := e.Claim(ctx, "p1", "alpha", "agent-a", "task-1", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Claim(ctx, "p1", "beta", "agent-a", "task-2", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}

	released, err := e.ReleaseAllForTask(ctx, "p1", "task-1")
	if err != nil || released != 1 {
		t.Fatalf("ReleaseAllForTask = %d (%v), want 1", released, err)
	}
	remaining, _ := e.Status(ctx, "p1", "agent-a")
	if len(remaining) != 1 || remaining[0].TaskID != "task-2" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestInvalidateStale(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedFunction(t, s, "p1", "fn:keep", "keep")
	seedFunction(t, s, "p1", "fn:gone", "gone")

	if _, err := e.Claim(ctx, "p1", "keep", "agent-a", "", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Claim(ctx, "p1", "gone", "agent-b", "", IntentEdit, ""); err != nil {
		t.Fatal(err)
	}

	// The element vanishes from the graph (e.g. deleted in a rebuild).
	if err := s.EndNode(ctx, "p1", "fn:gone", graph.NowMilli()); err != nil {
		t.Fatal(err)
	}

	n, err := e.InvalidateStale(ctx, "p1")
	if err != nil || n != 1 {
		t.Fatalf("InvalidateStale = %d (%v), want 1", n, err)
	}
	active, _ := e.Status(ctx, "p1", "")
	if len(active) != 1 || active[0].ElementID != "fn:keep" {
		t.Errorf("active after invalidation = %+v", active)
	}
}
