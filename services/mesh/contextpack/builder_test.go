// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextpack

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// seedCodebase builds a small graph: a login function called by a
// handler, contained in a file, plus a FEATURE implemented by login.
func seedCodebase(t *testing.T) graph.Store {
	t.Helper()
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	now := graph.NowMilli()

	nodes := []*graph.Node{
		{ID: "file:src/auth.ts", Type: graph.NodeFile,
			Properties: map[string]any{"name": "auth.ts", "path": "src/auth.ts"}},
		{ID: "fn:login", Type: graph.NodeFunction,
			Properties: map[string]any{"name": "login", "snippet": strings.Repeat("x", 900)}},
		{ID: "fn:handler", Type: graph.NodeFunction,
			Properties: map[string]any{"name": "requestHandler", "path": "src/http.ts"}},
		{ID: "feature:auth", Type: graph.NodeFeature,
			Properties: map[string]any{"name": "authFeature"}},
	}
	for _, n := range nodes {
		n.ProjectID = "p1"
		n.ValidFrom = now
		if err := s.UpsertNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	rels := []*graph.Relationship{
		{ID: "r1", From: "file:src/auth.ts", To: "fn:login", Type: graph.RelContains},
		{ID: "r2", From: "fn:handler", To: "fn:login", Type: graph.RelCalls},
		{ID: "r3", From: "feature:auth", To: "fn:login", Type: graph.RelImplementedBy},
	}
	for _, r := range rels {
		r.ProjectID = "p1"
		if err := s.AddRelationship(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.EnsureLexicalIndex(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBuildCorePack(t *testing.T) {
	s := seedCodebase(t)
	b := NewBuilder(s, nil, nil, nil)

	pack, err := b.Build(context.Background(), Request{ProjectID: "p1", Query: "login"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pack.CoreSymbols) == 0 {
		t.Fatal("no core symbols")
	}
	if pack.CoreSymbols[0].ID != "fn:login" {
		t.Errorf("top symbol = %+v, want fn:login", pack.CoreSymbols[0])
	}
	if len(pack.CoreSymbols[0].Snippet) != snippetCap {
		t.Errorf("snippet len = %d, want capped at %d", len(pack.CoreSymbols[0].Snippet), snippetCap)
	}
	if got := pack.CoreSymbols[0].Callers; len(got) != 1 || got[0] != "fn:handler" {
		t.Errorf("callers = %v, want [fn:handler]", got)
	}
	// Path recovered through the CONTAINS walk.
	if pack.CoreSymbols[0].Path != "src/auth.ts" {
		t.Errorf("path = %q, want src/auth.ts", pack.CoreSymbols[0].Path)
	}
	if pack.TokenEstimate == 0 {
		t.Error("token estimate missing")
	}
}

func TestBuildNoSeeds(t *testing.T) {
	// An empty graph has nothing to seed from.
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	b := NewBuilder(s, nil, nil, nil)
	if _, err := b.Build(context.Background(), Request{ProjectID: "p1", Query: "zzznothing"}); !errors.Is(err, ErrNoSeeds) {
		t.Errorf("Build = %v, want ErrNoSeeds", err)
	}
}

func TestSeedFallbackOnUnmatchedQuery(t *testing.T) {
	s := seedCodebase(t)
	b := NewBuilder(s, nil, nil, nil)

	// No symbol contains any query token; the first symbols by id seed
	// the walk so the pack is still produced.
	pack, err := b.Build(context.Background(), Request{ProjectID: "p1", Query: "zzznothing"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pack.CoreSymbols) == 0 {
		t.Fatal("fallback seeding must still yield core symbols")
	}
}

func TestSeedScoringPrefersTokenMatches(t *testing.T) {
	s := seedCodebase(t)
	b := NewBuilder(s, nil, nil, nil)

	// Two tokens match fn:handler's name and path; it must outrank the
	// single-token matches.
	seeds, err := b.seeds(context.Background(), "p1", "requestHandler http")
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(seeds) == 0 || seeds[0] != "fn:handler" {
		t.Errorf("seeds = %v, want fn:handler first", seeds)
	}
}

func TestImplementedByExpansion(t *testing.T) {
	s := seedCodebase(t)
	b := NewBuilder(s, nil, nil, nil)

	// The query names the feature node; its IMPLEMENTED_BY edge must
	// pull the implementing function into the pack.
	pack, err := b.Build(context.Background(), Request{ProjectID: "p1", Query: "feature:auth"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, cs := range pack.CoreSymbols {
		if cs.ID == "fn:login" {
			return
		}
	}
	t.Errorf("feature expansion must pull in fn:login, got %+v", pack.CoreSymbols)
}

func TestEnrichmentAndBlockers(t *testing.T) {
	s := seedCodebase(t)
	eps := episode.NewEngine(s, nil, nil, nil)
	claims := coordinate.NewEngine(s, nil)
	b := NewBuilder(s, eps, claims, nil)
	ctx := context.Background()

	if _, err := eps.Add(ctx, &episode.Episode{
		ProjectID: "p1", Type: episode.TypeDecision,
		Content: "login uses bcrypt", Outcome: "success", AgentID: "other",
		Metadata: map[string]any{"rationale": "security"},
	}); err != nil {
		t.Fatal(err)
	}
	if res, err := claims.Claim(ctx, "p1", "login", "other-agent", "", coordinate.IntentEdit, "refactoring"); err != nil || res.Status != coordinate.StatusCreated {
		t.Fatalf("claim: %+v (%v)", res, err)
	}

	pack, err := b.Build(ctx, Request{
		ProjectID: "p1", Query: "login", AgentID: "me",
		IncludeDecisions: true, IncludeLearnings: true, IncludeEpisodes: true,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pack.Decisions) != 1 || pack.Decisions[0].Content != "login uses bcrypt" {
		t.Errorf("decisions = %+v", pack.Decisions)
	}
	if len(pack.Blockers) != 1 || pack.Blockers[0].AgentID != "other-agent" {
		t.Errorf("blockers = %+v", pack.Blockers)
	}

	// The requesting agent's own claims never block.
	pack2, err := b.Build(ctx, Request{ProjectID: "p1", Query: "login", AgentID: "other-agent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pack2.Blockers) != 0 {
		t.Errorf("own claim reported as blocker: %+v", pack2.Blockers)
	}

	// Disabled sections stay empty even when memory exists.
	pack3, err := b.Build(ctx, Request{ProjectID: "p1", Query: "login", AgentID: "me"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pack3.Decisions) != 0 || len(pack3.Episodes) != 0 {
		t.Errorf("disabled sections populated: %+v", pack3)
	}
}

func TestCoreSymbolLineRange(t *testing.T) {
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.UpsertNode(ctx, &graph.Node{
		ID: "fn:parse", ProjectID: "p1", Type: graph.NodeFunction,
		Properties: map[string]any{
			"name": "parse", "path": "src/parse.ts", "line": 41,
			"snippet": "function parse() {\n  return 1\n}",
		},
		ValidFrom: graph.NowMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(s, nil, nil, nil)
	pack, err := b.Build(ctx, Request{ProjectID: "p1", Query: "parse"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pack.CoreSymbols) != 1 {
		t.Fatalf("core symbols = %+v", pack.CoreSymbols)
	}
	cs := pack.CoreSymbols[0]
	if cs.StartLine != 41 || cs.EndLine != 43 {
		t.Errorf("lines = %d-%d, want 41-43", cs.StartLine, cs.EndLine)
	}
}

func TestInterfaceSeedExpandsToImplementations(t *testing.T) {
	s, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	now := graph.NowMilli()

	nodes := []*graph.Node{
		{ID: "class:Store", Type: graph.NodeClass,
			Properties: map[string]any{"name": "Store", "kind": "interface"}},
		{ID: "class:BadgerBackend", Type: graph.NodeClass,
			Properties: map[string]any{"name": "BadgerBackend", "kind": "class"}},
	}
	for _, n := range nodes {
		n.ProjectID = "p1"
		n.ValidFrom = now
		if err := s.UpsertNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddRelationship(ctx, &graph.Relationship{
		ID: "r1", ProjectID: "p1", From: "class:Store", To: "class:BadgerBackend",
		Type: graph.RelImplementedBy,
	}); err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(s, nil, nil, nil)
	pack, err := b.Build(ctx, Request{ProjectID: "p1", Query: "Store"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, cs := range pack.CoreSymbols {
		if cs.ID == "class:BadgerBackend" {
			found = true
		}
	}
	if !found {
		t.Errorf("interface seed must expand to its implementation, got %+v", pack.CoreSymbols)
	}
}

func TestTrimOrderIsDeterministic(t *testing.T) {
	pack := &Pack{
		Query: "q",
		CoreSymbols: []CoreSymbol{
			{ID: "a", Snippet: strings.Repeat("s", 800)},
			{ID: "b", Snippet: strings.Repeat("s", 800)},
			{ID: "c", Snippet: strings.Repeat("s", 800)},
		},
		Decisions: []*episode.Episode{
			{Content: strings.Repeat("d", 200)},
			{Content: strings.Repeat("d", 200)},
			{Content: strings.Repeat("d", 200)},
		},
	}
	pack.TokenEstimate = estimate(pack)
	b := &Builder{}

	// Budget forces dropping symbols to one, decisions to two, then
	// snippet truncation.
	b.trim(pack, 160)

	if !pack.Trimmed {
		t.Error("pack must be flagged trimmed")
	}
	if len(pack.CoreSymbols) != 1 || pack.CoreSymbols[0].ID != "a" {
		t.Errorf("core symbols = %+v, want only the first kept", pack.CoreSymbols)
	}
	if len(pack.Decisions) != 2 {
		t.Errorf("decisions = %d, want floor of 2", len(pack.Decisions))
	}
	if got := len(pack.CoreSymbols[0].Snippet); got > trimmedSnippetCap {
		t.Errorf("snippet len = %d, want <= %d", got, trimmedSnippetCap)
	}
	if pack.TokenEstimate > 160 {
		t.Errorf("estimate = %d, want <= budget", pack.TokenEstimate)
	}
}

func TestTrimKeepsSnippetsValidUTF8(t *testing.T) {
	pack := &Pack{
		Query:       "q",
		// Three-byte runes guarantee the cap lands mid-rune.
		CoreSymbols: []CoreSymbol{{ID: "a", Snippet: strings.Repeat("→", 400)}},
	}
	pack.TokenEstimate = estimate(pack)
	b := &Builder{}

	b.trim(pack, 10)
	got := pack.CoreSymbols[0].Snippet
	if !utf8.ValidString(got) {
		t.Errorf("trimmed snippet is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("trimmed snippet missing ellipsis: %q", got)
	}
}

func TestTrimStopsWhenNothingLeft(t *testing.T) {
	pack := &Pack{
		Query:       "q",
		CoreSymbols: []CoreSymbol{{ID: "a", Snippet: strings.Repeat("s", 5000)}},
	}
	pack.TokenEstimate = estimate(pack)
	b := &Builder{}

	// Budget impossible to reach; the loop must terminate anyway.
	b.trim(pack, 1)
	if len(pack.CoreSymbols) != 1 {
		t.Error("last core symbol must never be dropped")
	}
}
