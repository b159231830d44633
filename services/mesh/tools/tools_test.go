// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianMesh/services/mesh/contextpack"
	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/health"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
	"github.com/AleutianAI/AleutianMesh/services/mesh/retrieval"
	"github.com/AleutianAI/AleutianMesh/services/mesh/session"
	"github.com/AleutianAI/AleutianMesh/services/mesh/watch"
)

// harness wires the full tool surface over in-memory engines.
type harness struct {
	dispatcher *dispatch.Dispatcher
	bridge     *Bridge
	store      graph.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := session.NewManager(session.ProjectContext{}, nil)
	claims := coordinate.NewEngine(store, nil)
	episodes := episode.NewEngine(store, nil, nil, nil)
	rebuilds := rebuild.NewOrchestrator(store, nil, claims, nil, rebuild.Config{})

	b := &Bridge{
		Sessions:  sessions,
		Store:     store,
		Rebuilds:  rebuilds,
		Retrieval: retrieval.NewDispatcher(store, nil, nil),
		Episodes:  episodes,
		Claims:    claims,
		Packs:     contextpack.NewBuilder(store, episodes, claims, nil),
		Health:    health.NewChecker(store, nil, sessions, rebuilds, nil),
		Policy:    Policy{DefaultAgentID: "agent-default"},
	}

	reg := dispatch.NewRegistry()
	if err := Register(reg, b); err != nil {
		t.Fatal(err)
	}
	return &harness{
		dispatcher: dispatch.NewDispatcher(reg, sessions, "", nil),
		bridge:     b,
		store:      store,
	}
}

func (h *harness) call(t *testing.T, sessionID, tool string, args map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := h.dispatcher.CallTool(context.Background(), sessionID, tool, args)
	if err != nil {
		t.Fatalf("%s: %v", tool, err)
	}
	return env
}

func makeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.ts"),
		[]byte("export function main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func dataMap(t *testing.T, env *envelope.Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T (%+v), want map", env.Data, env)
	}
	return m
}

func TestSessionIsolation(t *testing.T) {
	h := newHarness(t)
	rootA := makeWorkspace(t)
	rootB := makeWorkspace(t)

	envA := h.call(t, "A", "graph_set_workspace", map[string]any{
		"workspaceRoot": rootA, "sourceDir": "src", "projectId": "pa",
	})
	if !envA.OK {
		t.Fatalf("set workspace A: %+v", envA)
	}
	h.call(t, "B", "graph_set_workspace", map[string]any{
		"workspaceRoot": rootB, "sourceDir": "src", "projectId": "pb",
	})

	healthA := dataMap(t, h.call(t, "A", "graph_health", nil))
	healthB := dataMap(t, h.call(t, "B", "graph_health", nil))
	if healthA["projectId"] != "pa" || healthA["workspaceRoot"] != rootA {
		t.Errorf("session A health = %v", healthA)
	}
	if healthB["projectId"] != "pb" || healthB["workspaceRoot"] != rootB {
		t.Errorf("session B health = %v", healthB)
	}
}

func TestGraphSetWorkspaceErrors(t *testing.T) {
	h := newHarness(t)

	env := h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": "/does/not/exist",
	})
	if !env.IsCode(envelope.CodeWorkspaceNotFound) {
		t.Errorf("missing root = %+v", env)
	}

	root := makeWorkspace(t)
	env = h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "sourceDir": "nope",
	})
	if !env.IsCode(envelope.CodeSourceDirNotFound) {
		t.Errorf("missing source dir = %+v", env)
	}

	outside := t.TempDir()
	env = h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "sourceDir": outside,
	})
	if !env.IsCode(envelope.CodeWorkspacePathSandboxed) {
		t.Errorf("escaping source dir = %+v", env)
	}
}

func TestRebuildAndImpactFlow(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	src := filepath.Join(root, "src")
	if err := os.WriteFile(filepath.Join(src, "util.ts"),
		[]byte("import { main } from './main';\nexport function helper() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "sourceDir": "src", "projectId": "p1",
	})
	env := h.call(t, "s", "graph_rebuild", map[string]any{"mode": "full"})
	if !env.OK {
		t.Fatalf("rebuild: %+v", env)
	}
	if dataMap(t, env)["status"] != rebuild.StatusQueued {
		t.Errorf("rebuild status = %v", env.Data)
	}
	h.bridge.Rebuilds.Drain("p1")

	// The normalization alias flows through to the graph-backed handler.
	env = h.call(t, "s", "impact_analyze", map[string]any{
		"changedFiles": []any{"main.ts"},
	})
	if !env.OK {
		t.Fatalf("impact_analyze: %+v", env)
	}
	found := false
	for _, w := range env.ContractWarnings {
		if w == "mapped changedFiles -> files" {
			found = true
		}
	}
	if !found {
		t.Errorf("contractWarnings = %v", env.ContractWarnings)
	}
	impacted, _ := dataMap(t, env)["impacted"].([]any)
	if len(impacted) == 0 {
		t.Error("no impacted symbols for changed main.ts")
	}
}

func TestEpisodeAddValidationEnvelope(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})

	env := h.call(t, "s", "episode_add", map[string]any{
		"type": "DECISION", "content": "use badger", "outcome": "success",
	})
	if !env.IsCode(envelope.CodeEpisodeAddInvalidMetadata) {
		t.Fatalf("missing rationale = %+v", env)
	}

	env = h.call(t, "s", "episode_add", map[string]any{
		"type": "DECISION", "content": "use badger", "outcome": "success",
		"metadata": map[string]any{"rationale": "embedded, no server to run"},
	})
	if !env.OK {
		t.Fatalf("valid decision = %+v", env)
	}
	if dataMap(t, env)["episodeId"] == "" {
		t.Error("no episodeId returned")
	}

	env = h.call(t, "s", "episode_add", map[string]any{"content": "x", "type": "BOGUS"})
	if !env.IsCode(envelope.CodeEpisodeAddInvalidInput) {
		t.Errorf("bogus type = %+v", env)
	}
}

func TestClaimConflictEnvelope(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})

	err := h.store.UpsertNode(context.Background(), &graph.Node{
		ID: "task:1", ProjectID: "p1", Type: graph.NodeTask,
		Properties: map[string]any{"name": "task:1"},
		ValidFrom:  graph.NowMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	env := h.call(t, "s", "agent_claim", map[string]any{
		"targetId": "task:1", "intent": "work", "agentId": "a1",
	})
	if !env.OK || dataMap(t, env)["status"] != "CREATED" {
		t.Fatalf("first claim = %+v", env)
	}
	claimID, _ := dataMap(t, env)["claimId"].(string)

	env = h.call(t, "s", "agent_claim", map[string]any{
		"targetId": "task:1", "intent": "work", "agentId": "a2",
	})
	data := dataMap(t, env)
	if data["status"] != "CONFLICT" {
		t.Fatalf("second claim = %+v", env)
	}
	conflicts, _ := data["conflicts"].([]map[string]any)
	if len(conflicts) != 1 || conflicts[0]["claimId"] != claimID {
		t.Errorf("conflicts = %v, want claim %s", conflicts, claimID)
	}

	env = h.call(t, "s", "agent_claim", map[string]any{"intent": "work"})
	if !env.IsCode(envelope.CodeAgentClaimInvalidInput) {
		t.Errorf("missing target = %+v", env)
	}
}

func TestContractValidateRoundTrip(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})
	h.call(t, "s", "graph_rebuild", nil)
	h.bridge.Rebuilds.Drain("p1")

	env := h.call(t, "s", "contract_validate", map[string]any{
		"tool": "impact_analyze",
		"args": map[string]any{"changedFiles": []any{"main.ts"}},
	})
	if !env.OK {
		t.Fatalf("contract_validate: %+v", env)
	}
	data := dataMap(t, env)
	warnings, _ := data["warnings"].([]string)
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
	normalized, _ := data["normalized"].(map[string]any)

	// Round-trip: the normalized args produce no further warnings.
	again := h.call(t, "s", "impact_analyze", normalized)
	if len(again.ContractWarnings) != 0 {
		t.Errorf("round-trip warnings = %v", again.ContractWarnings)
	}

	env = h.call(t, "s", "contract_validate", map[string]any{"tool": "bogus_tool"})
	if !env.IsCode(envelope.CodeContractValidateInvalidInput) {
		t.Errorf("unknown tool = %+v", env)
	}
}

func TestToolsListCatalog(t *testing.T) {
	h := newHarness(t)
	env := h.call(t, "s", "tools_list", nil)
	if !env.OK {
		t.Fatalf("tools_list: %+v", env)
	}
	if env.Summary != "41 tools" {
		t.Errorf("summary = %q, want 41 tools", env.Summary)
	}
}

func TestDiffSinceValidation(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})

	env := h.call(t, "s", "diff_since", nil)
	if !env.IsCode(envelope.CodeDiffSinceInvalidInput) {
		t.Errorf("missing since = %+v", env)
	}

	env = h.call(t, "s", "diff_since", map[string]any{
		"since": "0", "types": []any{"WIDGET"},
	})
	if !env.IsCode(envelope.CodeDiffSinceInvalidTypes) {
		t.Errorf("bad types = %+v", env)
	}

	env = h.call(t, "s", "diff_since", map[string]any{"since": "not-an-anchor!"})
	if !env.IsCode(envelope.CodeDiffSinceAnchorNotFound) {
		t.Errorf("bad anchor = %+v", env)
	}
}

func TestTaskUpdateCompletionHook(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})
	ctx := context.Background()

	env := h.call(t, "s", "task_update", map[string]any{
		"taskId": "task:9", "status": "active", "title": "ship it",
	})
	if !env.OK || dataMap(t, env)["status"] != "in-progress" {
		t.Fatalf("active alias = %+v", env)
	}

	// Claim the task, then complete it: the hook must release the claim
	// and record a DECISION episode.
	h.call(t, "s", "agent_claim", map[string]any{
		"targetId": "task:9", "intent": "work", "agentId": "a1", "taskId": "task:9",
	})
	env = h.call(t, "s", "task_update", map[string]any{
		"taskId": "task:9", "status": "completed", "notes": "done and tested",
	})
	if !env.OK {
		t.Fatalf("complete = %+v", env)
	}
	completion, _ := dataMap(t, env)["completion"].(map[string]any)
	if released, _ := completion["claimsReleased"].(int); released != 1 {
		t.Errorf("completion = %v, want 1 claim released", completion)
	}

	decisions, err := h.bridge.Episodes.Recall(ctx, "p1", episode.RecallQuery{
		Types: []episode.Type{episode.TypeDecision}, TaskID: "task:9",
	})
	if err != nil || len(decisions) != 1 {
		t.Fatalf("decisions = %v (%v), want the completion record", decisions, err)
	}

	env = h.call(t, "s", "task_update", map[string]any{"taskId": "task:9", "status": "nonsense"})
	if !env.IsCode(envelope.CodeTaskUpdateInvalidInput) {
		t.Errorf("bad status = %+v", env)
	}
}

func TestAgentStatusOverviewMode(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})
	if err := h.store.UpsertNode(context.Background(), &graph.Node{
		ID: "fn:a", ProjectID: "p1", Type: graph.NodeFunction,
		Properties: map[string]any{"name": "fn:a"},
		ValidFrom:  graph.NowMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	h.call(t, "s", "agent_claim", map[string]any{
		"targetId": "fn:a", "intent": "edit", "agentId": "a1",
	})

	// No agentId: overview mode.
	env := h.call(t, "s", "agent_status", nil)
	if !env.OK {
		t.Fatalf("overview: %+v", env)
	}
	data := dataMap(t, env)
	if data["mode"] != "overview" {
		t.Errorf("mode = %v, want overview", data["mode"])
	}
	active, _ := data["activeClaims"].([]*coordinate.Claim)
	if len(active) != 1 {
		t.Errorf("overview activeClaims = %v", data["activeClaims"])
	}
	if _, ok := data["staleClaims"]; !ok {
		t.Error("overview missing staleClaims")
	}
	if summary, _ := data["summary"].(string); summary == "" {
		t.Error("overview missing summary")
	}

	env = h.call(t, "s", "agent_status", map[string]any{"agentId": "a1"})
	data = dataMap(t, env)
	if data["agentId"] != "a1" {
		t.Errorf("agentId = %v", data["agentId"])
	}
	claims, _ := data["activeClaims"].([]*coordinate.Claim)
	if len(claims) != 1 {
		t.Errorf("agent activeClaims = %v", data["activeClaims"])
	}
}

func TestSetWorkspaceAutoStartsWatcher(t *testing.T) {
	h := newHarness(t)
	h.bridge.Policy.WatcherEnabled = true
	h.bridge.Policy.WatcherDebounce = 10 * time.Millisecond
	root := makeWorkspace(t)

	env := h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "sourceDir": "src", "projectId": "p1",
	})
	if !env.OK {
		t.Fatalf("set workspace: %+v", env)
	}
	w := h.bridge.Sessions.Watcher("s")
	if w == nil {
		t.Fatal("no watcher registered after workspace bind")
	}
	t.Cleanup(func() { w.Stop() })
	state, _ := w.State()
	if state == watch.StateNotStarted {
		t.Errorf("watcher state = %s, want started", state)
	}
	if ws, _ := dataMap(t, env)["watcher"].(watch.State); ws == watch.StateNotStarted {
		t.Errorf("bind response watcher = %v, want started", ws)
	}

	// Policy off: binding never starts a watcher.
	h.bridge.Policy.WatcherEnabled = false
	h.call(t, "s2", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "sourceDir": "src", "projectId": "p1",
	})
	if h.bridge.Sessions.Watcher("s2") != nil {
		t.Error("watcher started despite disabled policy")
	}
}

func TestEngineUnavailableCodes(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})

	if env := h.call(t, "s", "test_run", nil); !env.IsCode(envelope.CodeTestEngineUnavailable) {
		t.Errorf("test_run = %+v", env)
	}
	if env := h.call(t, "s", "arch_validate", nil); !env.IsCode(envelope.CodeArchEngineUnavailable) {
		t.Errorf("arch_validate = %+v", env)
	}
	if env := h.call(t, "s", "semantic_search", map[string]any{"query": "q"}); !env.IsCode(envelope.CodeVectorStoreUnavailable) {
		t.Errorf("semantic_search = %+v", env)
	}
}

func TestSetupCopilotInstructions(t *testing.T) {
	h := newHarness(t)
	root := makeWorkspace(t)
	h.call(t, "s", "graph_set_workspace", map[string]any{
		"workspaceRoot": root, "projectId": "p1",
	})

	env := h.call(t, "s", "setup_copilot_instructions", nil)
	if !env.OK {
		t.Fatalf("setup: %+v", env)
	}
	content, err := os.ReadFile(filepath.Join(root, ".github", "copilot-instructions.md"))
	if err != nil {
		t.Fatalf("instructions file: %v", err)
	}
	if len(content) == 0 {
		t.Error("instructions file is empty")
	}
}
