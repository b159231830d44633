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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/docs"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
)

const categoryDocs = "docs"

// docsTools builds the documentation and project-setup tool entries.
func docsTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "index_docs",
			Category: categoryDocs,
			InputShape: map[string]string{
				"path": "string?", "library": "string?",
			},
			Run: b.indexDocs,
		},
		{
			Name:     "search_docs",
			Category: categoryDocs,
			InputShape: map[string]string{
				"query": "string", "limit": "int?",
			},
			Run: b.searchDocs,
		},
		{
			Name:     "ref_query",
			Category: categoryDocs,
			InputShape: map[string]string{
				"library": "string", "query": "string", "limit": "int?",
			},
			Run: b.refQuery,
		},
		{
			Name:       "init_project_setup",
			Category:   categoryDocs,
			InputShape: map[string]string{"workspaceRoot": "string?"},
			Run:        b.initProjectSetup,
		},
		{
			Name:       "setup_copilot_instructions",
			Category:   categoryDocs,
			InputShape: map[string]string{},
			Run:        b.setupCopilotInstructions,
		},
	}
}

func (b *Bridge) indexDocs(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Docs == nil {
		return envelope.Err(envelope.CodeVectorStoreUnavailable,
			"no documentation backend configured for this deployment"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	dir := call.String("path")
	if dir == "" {
		dir = filepath.Join(pctx.WorkspaceRoot, "docs")
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(pctx.WorkspaceRoot, dir)
	}

	library := call.String("library")
	chunks, err := b.Docs.IndexDir(ctx, pctx.ProjectID, library, dir)
	if errors.Is(err, os.ErrNotExist) {
		return envelope.Errf(envelope.CodeDocsIndexFailed,
			"docs directory %q does not exist", dir), nil
	}
	if err != nil {
		return envelope.Err(envelope.CodeDocsIndexFailed, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"chunks": chunks, "path": dir},
		"indexed %d chunk(s) from %s", chunks, dir), nil
}

func (b *Bridge) searchDocs(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Docs == nil {
		return envelope.Err(envelope.CodeVectorStoreUnavailable,
			"no documentation backend configured for this deployment"), nil
	}
	query := call.String("query")
	if query == "" {
		return envelope.Err(envelope.CodeDocsSearchFailed, "query is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	hits, err := b.Docs.Search(ctx, pctx.ProjectID, query, call.Int("limit", 0))
	if err != nil {
		return envelope.Err(envelope.CodeDocsSearchFailed, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"results": hits}, "%d doc chunk(s)", len(hits)), nil
}

func (b *Bridge) refQuery(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Docs == nil {
		return envelope.Err(envelope.CodeVectorStoreUnavailable,
			"no documentation backend configured for this deployment"), nil
	}
	library := call.String("library")
	query := call.String("query")
	if library == "" || query == "" {
		return envelope.Err(envelope.CodeRefRepoMissing,
			"library and query are required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	hits, err := b.Docs.RefQuery(ctx, pctx.ProjectID, library, query, call.Int("limit", 0))
	switch {
	case errors.Is(err, docs.ErrRefRepoMissing):
		return envelope.Err(envelope.CodeRefRepoMissing, err.Error()).
			WithHint("index the library first with index_docs"), nil
	case errors.Is(err, docs.ErrRefNotFound):
		return envelope.Err(envelope.CodeRefRepoNotFound, err.Error()), nil
	case err != nil:
		return envelope.Err(envelope.CodeDocsSearchFailed, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"results": hits},
		"%d reference chunk(s) from %s", len(hits), library), nil
}

// initProjectSetup binds the workspace, queues a full rebuild, and
// starts the watcher when policy allows.
func (b *Bridge) initProjectSetup(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	root := call.String("workspaceRoot")
	if root == "" {
		root = b.projectContext(call).WorkspaceRoot
	}
	if root == "" {
		return envelope.Err(envelope.CodeInitMissingWorkspace,
			"workspaceRoot is required").
			WithHint("pass workspaceRoot or call graph_set_workspace first"), nil
	}
	call.Args["workspaceRoot"] = root

	bindEnv, err := b.graphSetWorkspace(ctx, call)
	if err != nil || !bindEnv.OK {
		return bindEnv, err
	}

	steps := []string{"workspace bound"}
	pctx := b.Sessions.Get(call.SessionID)

	res, err := b.Rebuilds.Rebuild(ctx, rebuild.Request{
		ProjectID:     pctx.ProjectID,
		WorkspaceRoot: pctx.WorkspaceRoot,
		SourceDir:     pctx.SourceDir,
		Mode:          rebuild.ModeFull,
		Trigger:       rebuild.TriggerManual,
		AgentID:       b.agentID(call),
	})
	if err != nil {
		b.Logger.Warn("initial rebuild rejected", "project_id", pctx.ProjectID, "error", err)
	} else {
		steps = append(steps, fmt.Sprintf("full rebuild %s (%s)", res.Status, res.TxID))
	}

	if b.Policy.WatcherEnabled {
		if watchEnv, err := b.watchStart(ctx, call); err == nil && watchEnv.OK {
			steps = append(steps, "watcher started")
		}
	}

	return envelope.Okf(map[string]any{
		"projectId":     pctx.ProjectID,
		"workspaceRoot": pctx.WorkspaceRoot,
		"steps":         steps,
	}, "project %s initialized", pctx.ProjectID), nil
}

// copilotInstructionsRel is where setup_copilot_instructions writes.
const copilotInstructionsRel = ".github/copilot-instructions.md"

func (b *Bridge) setupCopilotInstructions(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}
	if info, err := os.Stat(pctx.WorkspaceRoot); err != nil || !info.IsDir() {
		return envelope.Errf(envelope.CodeCopilotInstrTargetNotFound,
			"workspace root %q does not exist", pctx.WorkspaceRoot), nil
	}

	target := filepath.Join(pctx.WorkspaceRoot, filepath.FromSlash(copilotInstructionsRel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return envelope.Errf(envelope.CodeCopilotInstrTargetNotFound,
			"cannot create %s: %v", filepath.Dir(target), err), nil
	}

	content := b.copilotInstructions(ctx, pctx.ProjectID)
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return envelope.Errf(envelope.CodeCopilotInstrTargetNotFound,
			"cannot write %s: %v", target, err), nil
	}
	return envelope.Okf(map[string]any{"path": target},
		"wrote %s", copilotInstructionsRel), nil
}

// copilotInstructions renders workspace guidance from the live graph.
func (b *Bridge) copilotInstructions(ctx context.Context, projectID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Project instructions\n\n")
	fmt.Fprintf(&sb, "This workspace is indexed by a code-intelligence server (project %s).\n", projectID)
	sb.WriteString("Use its tools instead of grepping blindly:\n\n")
	sb.WriteString("- `graph_query` for structural questions\n")
	sb.WriteString("- `semantic_search` for fuzzy lookups\n")
	sb.WriteString("- `context_pack` before starting a task\n")
	sb.WriteString("- `agent_claim` before editing shared files\n")
	sb.WriteString("- `episode_add` to record decisions as you go\n")

	if counts, err := b.Store.Counts(ctx, projectID); err == nil && counts.Nodes > 0 {
		fmt.Fprintf(&sb, "\nIndexed: %d files, %d functions, %d classes.\n",
			counts.Files, counts.Functions, counts.Classes)
	}
	return sb.String()
}
