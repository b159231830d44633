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
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/diffsince"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
	"github.com/AleutianAI/AleutianMesh/services/mesh/retrieval"
	"github.com/AleutianAI/AleutianMesh/services/mesh/session"
	"github.com/AleutianAI/AleutianMesh/services/mesh/watch"
)

const categoryGraph = "graph"

// findPatternLimit caps find_pattern results.
const findPatternLimit = 50

// graphTools builds the graph and retrieval tool entries. reg is needed
// by tools_list and contract_validate, which reflect over the catalog.
func graphTools(b *Bridge, reg *dispatch.Registry) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "graph_set_workspace",
			Category: categoryGraph,
			InputShape: map[string]string{
				"workspaceRoot": "string", "sourceDir": "string?", "projectId": "string?",
			},
			Run: b.graphSetWorkspace,
		},
		{
			Name:     "graph_rebuild",
			Category: categoryGraph,
			InputShape: map[string]string{
				"mode": "full|incremental?", "files": "[]string?",
				"workspaceRoot": "string?", "sourceDir": "string?", "gitCommit": "string?",
			},
			Run: b.graphRebuild,
		},
		{
			Name:     "graph_query",
			Category: categoryGraph,
			InputShape: map[string]string{
				"query": "string", "language": "natural|cypher?",
				"scope": "local|global|hybrid?", "limit": "int?", "asOf": "string|int?",
			},
			Run: b.graphQuery,
		},
		{
			Name:       "graph_health",
			Category:   categoryGraph,
			InputShape: map[string]string{},
			Run:        b.graphHealth,
		},
		{
			Name:     "diff_since",
			Category: categoryGraph,
			InputShape: map[string]string{
				"since": "string", "types": "[]string?",
			},
			Run: b.diffSince,
		},
		{
			Name:     "find_pattern",
			Category: categoryGraph,
			InputShape: map[string]string{
				"pattern": "string", "limit": "int?",
			},
			Run: b.findPattern,
		},
		{
			Name:       "code_explain",
			Category:   categoryGraph,
			InputShape: map[string]string{"element": "string"},
			Run:        b.codeExplain,
		},
		{
			Name:     "contract_validate",
			Category: categoryGraph,
			InputShape: map[string]string{
				"tool": "string", "args": "map?",
			},
			Run: contractValidate(reg),
		},
		{
			Name:       "tools_list",
			Category:   categoryGraph,
			InputShape: map[string]string{},
			Run:        toolsList(reg),
		},
		{
			Name:       "watch_start",
			Category:   categoryGraph,
			InputShape: map[string]string{"debounceMs": "int?"},
			Run:        b.watchStart,
		},
		{
			Name:       "watch_stop",
			Category:   categoryGraph,
			InputShape: map[string]string{},
			Run:        b.watchStop,
		},
	}
}

// deriveProjectID turns a workspace root into a project id.
func deriveProjectID(root string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(root)))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
}

func (b *Bridge) graphSetWorkspace(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	root := call.String("workspaceRoot")
	if root == "" {
		root = b.Policy.WorkspaceFallbackRoot
	}
	if root == "" {
		return envelope.Err(envelope.CodeWorkspaceNotFound, "workspaceRoot is required"), nil
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return envelope.Errf(envelope.CodeWorkspaceNotFound, "workspace root %q does not exist", root), nil
	}

	sourceDir := call.String("sourceDir")
	if sourceDir == "" {
		sourceDir = root
	} else if !filepath.IsAbs(sourceDir) {
		sourceDir = filepath.Join(root, sourceDir)
	}
	if info, err := os.Stat(sourceDir); err != nil || !info.IsDir() {
		return envelope.Errf(envelope.CodeSourceDirNotFound, "source dir %q does not exist", sourceDir), nil
	}

	pctx := session.ProjectContext{
		WorkspaceRoot: root,
		SourceDir:     sourceDir,
		ProjectID:     call.String("projectId"),
	}
	if pctx.ProjectID == "" {
		pctx.ProjectID = deriveProjectID(root)
	}
	if !pctx.SourceUnderRoot() && !b.Policy.PathFallbackAllowed {
		return envelope.Errf(envelope.CodeWorkspacePathSandboxed,
			"source dir %q escapes workspace root %q", sourceDir, root).
			WithHint("enable the path-fallback policy or move the source dir under the root"), nil
	}

	b.Sessions.Set(call.SessionID, pctx)

	// Policy-enabled watching begins at bind time so edits made before
	// the first explicit watch_start still trigger rebuilds. Failure to
	// watch never fails the bind.
	watcherState := watch.StateNotStarted
	if b.Policy.WatcherEnabled {
		if w, err := b.startWatcher(call.SessionID, pctx, b.Policy.WatcherDebounce); err != nil {
			b.Logger.Warn("watcher auto-start failed",
				"project_id", pctx.ProjectID, "error", err)
		} else {
			watcherState, _ = w.State()
		}
	}

	return envelope.Okf(map[string]any{
		"projectId":     pctx.ProjectID,
		"workspaceRoot": pctx.WorkspaceRoot,
		"sourceDir":     pctx.SourceDir,
		"watcher":       watcherState,
	}, "workspace bound to project %s", pctx.ProjectID), nil
}

// startWatcher builds and starts a debounced watcher feeding the
// rebuild orchestrator, replacing any watcher the session already has.
func (b *Bridge) startWatcher(sessionID string, pctx session.ProjectContext, debounce time.Duration) (*watch.Watcher, error) {
	w, err := watch.New(watch.Options{
		ProjectID:      pctx.ProjectID,
		WorkspaceRoot:  pctx.WorkspaceRoot,
		SourceDir:      pctx.SourceDir,
		Debounce:       debounce,
		IgnorePatterns: append(watch.DefaultIgnorePatterns, b.Policy.WatcherIgnores...),
	}, func(batch watch.Batch) {
		_, rerr := b.Rebuilds.Rebuild(context.Background(), rebuild.Request{
			ProjectID:     batch.ProjectID,
			WorkspaceRoot: batch.WorkspaceRoot,
			SourceDir:     batch.SourceDir,
			Mode:          rebuild.ModeIncremental,
			Trigger:       rebuild.TriggerWatcher,
			ChangedFiles:  batch.ChangedFiles,
		})
		if rerr != nil {
			b.Logger.Warn("watcher rebuild rejected",
				"project_id", batch.ProjectID, "error", rerr)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(context.Background()); err != nil {
		return nil, err
	}
	b.Sessions.RegisterWatcher(sessionID, w)
	return w, nil
}

func (b *Bridge) graphRebuild(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx := b.projectContext(call)
	if root := call.String("workspaceRoot"); root != "" {
		pctx.WorkspaceRoot = root
		if pctx.ProjectID == "" || call.String("projectId") != "" {
			pctx.ProjectID = call.String("projectId")
			if pctx.ProjectID == "" {
				pctx.ProjectID = deriveProjectID(root)
			}
		}
	}
	if dir := call.String("sourceDir"); dir != "" {
		if !filepath.IsAbs(dir) && pctx.WorkspaceRoot != "" {
			dir = filepath.Join(pctx.WorkspaceRoot, dir)
		}
		pctx.SourceDir = dir
	}
	if pctx.ProjectID == "" {
		return envelope.Err(envelope.CodeWorkspaceNotFound,
			"no workspace bound to this session").
			WithHint("call graph_set_workspace first"), nil
	}

	mode := rebuild.Mode(call.String("mode"))
	if mode == "" {
		mode = rebuild.ModeFull
	}
	res, err := b.Rebuilds.Rebuild(ctx, rebuild.Request{
		ProjectID:     pctx.ProjectID,
		WorkspaceRoot: pctx.WorkspaceRoot,
		SourceDir:     pctx.SourceDir,
		Mode:          mode,
		Trigger:       rebuild.TriggerManual,
		ChangedFiles:  call.Strings("files"),
		GitCommit:     call.String("gitCommit"),
		AgentID:       b.agentID(call),
	})
	switch {
	case errors.Is(err, rebuild.ErrPathSandboxed):
		return envelope.Err(envelope.CodeWorkspacePathSandboxed, err.Error()).
			WithHint("enable the path-fallback policy or move the source dir under the root"), nil
	case errors.Is(err, rebuild.ErrMissingContext):
		return envelope.Err(envelope.CodeWorkspaceNotFound, err.Error()), nil
	case err != nil:
		return envelope.Err(envelope.CodeRebuildFailed, err.Error()), nil
	}
	return envelope.Okf(res, "%s rebuild %s for %s", res.Mode, res.Status, res.ProjectID), nil
}

func (b *Bridge) graphQuery(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	query := call.String("query")
	if query == "" {
		return envelope.Err(envelope.CodeGraphQueryFailed, "query is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	asOf, envErr := b.resolveAsOf(ctx, pctx.ProjectID, call)
	if envErr != nil {
		return envErr, nil
	}

	if call.String("language") == "cypher" {
		return b.cypherQuery(ctx, call, query, asOf)
	}

	resp, err := b.Retrieval.Query(ctx, pctx.ProjectID, query, retrieval.Options{
		Scope: retrieval.Scope(call.String("scope")),
		Limit: call.Int("limit", 0),
		AsOf:  asOf,
	})
	if err != nil {
		return envelope.Err(envelope.CodeGraphQueryFailed, err.Error()), nil
	}
	return envelope.Okf(resp, "%d local, %d global results",
		len(resp.Local), len(resp.Global)), nil
}

// cypherQuery passes a raw query through to the backend, rewriting it
// for point-in-time reads when asOf is set.
func (b *Bridge) cypherQuery(ctx context.Context, call *dispatch.Call, query string, asOf int64) (*envelope.Envelope, error) {
	params := call.Map("params")
	if asOf > 0 {
		rewritten, changed := graph.ApplyTemporalFilter(query)
		if !changed {
			return envelope.Err(envelope.CodeGraphQueryAsOfUnsupported,
				"query has no pattern variables to filter; run it without asOf"), nil
		}
		query = rewritten
		if params == nil {
			params = map[string]any{}
		}
		params["asOfTs"] = asOf
	}

	rows, err := b.Store.RunQuery(ctx, query, params)
	switch {
	case errors.Is(err, graph.ErrQueryUnsupported):
		return envelope.Err(envelope.CodeGraphQueryFailed, err.Error()).
			WithHint("this deployment has no Cypher backend; use language=natural"), nil
	case err != nil:
		return envelope.Err(envelope.CodeGraphQueryException, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"rows": rows}, "%d rows", len(rows)), nil
}

// resolveAsOf reads the asOf argument via resolveAnchorArg.
func (b *Bridge) resolveAsOf(ctx context.Context, projectID string, call *dispatch.Call) (int64, *envelope.Envelope) {
	return b.resolveAnchorArg(ctx, projectID, call, "asOf")
}

// resolveAnchorArg reads a temporal argument: an epoch-millisecond
// number or any since-anchor string.
func (b *Bridge) resolveAnchorArg(ctx context.Context, projectID string, call *dispatch.Call, key string) (int64, *envelope.Envelope) {
	switch v := call.Args[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		anchor, err := graph.ResolveSinceAnchor(ctx, b.Store, projectID, v)
		if err != nil {
			return 0, envelope.Errf(envelope.CodeDiffSinceAnchorNotFound,
				"%s anchor %q did not resolve", key, v)
		}
		return anchor.SinceTs, nil
	default:
		return 0, envelope.Errf(envelope.CodeGraphQueryFailed,
			"%s must be a timestamp or anchor string", key)
	}
}

func (b *Bridge) graphHealth(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx := b.projectContext(call)
	r, err := b.Health.Check(ctx, pctx.ProjectID, call.SessionID)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"projectId":     pctx.ProjectID,
		"workspaceRoot": pctx.WorkspaceRoot,
		"status":        r.Status,
		"graph":         r.Graph,
		"vector":        r.Vector,
		"watcher":       r.Watcher,
		"rebuild":       r.Rebuild,
		"driftDetected": r.DriftDetected,
	}
	if len(r.Remediations) > 0 {
		data["remediations"] = r.Remediations
	}
	return envelope.Okf(data, "project %s is %s", pctx.ProjectID, r.Status), nil
}

func (b *Bridge) diffSince(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	since := call.String("since")
	if since == "" {
		return envelope.Err(envelope.CodeDiffSinceInvalidInput, "since is required").
			WithHint("pass a tx id, timestamp, git commit, or agent id"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	var types []graph.NodeType
	for _, raw := range call.Strings("types") {
		nt := graph.NodeType(strings.ToUpper(raw))
		if !graph.ValidNodeTypes[nt] {
			return envelope.Errf(envelope.CodeDiffSinceInvalidTypes,
				"unknown node type %q", raw), nil
		}
		types = append(types, nt)
	}

	d, err := diffsince.Compute(ctx, b.Store, pctx.ProjectID, since, types)
	if errors.Is(err, graph.ErrNodeNotFound) {
		return envelope.Errf(envelope.CodeDiffSinceAnchorNotFound,
			"anchor %q did not resolve", since), nil
	}
	if err != nil {
		return nil, err
	}
	return envelope.Okf(d, "%s", d.Summary), nil
}

func (b *Bridge) findPattern(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pattern := call.String("pattern")
	if pattern == "" {
		return envelope.Err(envelope.CodeFindPatternInvalidInput, "pattern is required"), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return envelope.Errf(envelope.CodeFindPatternInvalidInput,
			"invalid pattern: %v", err), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	limit := call.Int("limit", findPatternLimit)
	nodes, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFile, graph.NodeFunction, graph.NodeClass},
		LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	type match struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Kind string `json:"kind"`
		Path string `json:"path,omitempty"`
	}
	var matches []match
	for _, n := range nodes {
		if re.MatchString(n.Name()) || re.MatchString(n.Prop("path")) || re.MatchString(n.Prop("snippet")) {
			matches = append(matches, match{
				ID: n.ID, Name: n.Name(), Kind: string(n.Type), Path: n.Prop("path"),
			})
			if len(matches) >= limit {
				break
			}
		}
	}
	return envelope.Okf(map[string]any{"matches": matches},
		"%d symbols match %s", len(matches), pattern), nil
}

func (b *Bridge) codeExplain(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("element")
	if ref == "" {
		ref = call.String("query")
	}
	if ref == "" {
		return envelope.Err(envelope.CodeCodeExplainNotFound, "element is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	res, err := graph.ResolveElement(ctx, b.Store, pctx.ProjectID, ref)
	if err != nil {
		return notFoundEnvelope(envelope.CodeCodeExplainNotFound, ref, res), nil
	}
	n := res.Node

	callers := relatedNames(ctx, b.Store, pctx.ProjectID, n.ID, false, graph.RelCalls)
	callees := relatedNames(ctx, b.Store, pctx.ProjectID, n.ID, true, graph.RelCalls)

	var decisions []string
	if b.Episodes != nil {
		eps, err := b.Episodes.Recall(ctx, pctx.ProjectID, recallInvolving(n.ID))
		if err == nil {
			for _, ep := range eps {
				decisions = append(decisions, ep.Content)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", strings.ToLower(string(n.Type)), n.Name())
	if p := n.Prop("path"); p != "" {
		fmt.Fprintf(&sb, " (defined in %s)", p)
	}
	sb.WriteString(".")
	if len(callers) > 0 {
		fmt.Fprintf(&sb, " Called by %s.", strings.Join(callers, ", "))
	}
	if len(callees) > 0 {
		fmt.Fprintf(&sb, " Calls %s.", strings.Join(callees, ", "))
	}
	if len(decisions) > 0 {
		fmt.Fprintf(&sb, " Recent decisions touching it: %s", strings.Join(decisions, "; "))
	}

	return envelope.Ok(map[string]any{
		"element":     n,
		"explanation": sb.String(),
		"callers":     callers,
		"callees":     callees,
		"decisions":   decisions,
	}), nil
}

// contractValidate round-trips arguments through the normalizer so
// agents can pre-validate calls.
func contractValidate(reg *dispatch.Registry) dispatch.Handler {
	return func(_ context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
		tool := call.String("tool")
		if tool == "" {
			return envelope.Err(envelope.CodeContractValidateInvalidInput, "tool is required"), nil
		}
		if reg.Get(tool) == nil {
			return envelope.Errf(envelope.CodeContractValidateInvalidInput,
				"unknown tool %q", tool).WithHint("call tools_list for the catalog"), nil
		}
		normalized, warnings := dispatch.Normalize(tool, call.Map("args"))
		return envelope.Ok(map[string]any{
			"tool":       tool,
			"normalized": normalized,
			"warnings":   warnings,
		}), nil
	}
}

func toolsList(reg *dispatch.Registry) dispatch.Handler {
	return func(_ context.Context, _ *dispatch.Call) (*envelope.Envelope, error) {
		type row struct {
			Name       string            `json:"name"`
			Category   string            `json:"category"`
			InputShape map[string]string `json:"inputShape,omitempty"`
		}
		catalog := reg.List()
		rows := make([]row, 0, len(catalog))
		for _, t := range catalog {
			rows = append(rows, row{Name: t.Name, Category: t.Category, InputShape: t.InputShape})
		}
		return envelope.Okf(map[string]any{"tools": rows}, "%d tools", len(rows)), nil
	}
}

func (b *Bridge) watchStart(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if !b.Policy.WatcherEnabled {
		return envelope.Okf(map[string]any{"state": "disabled"},
			"file watching is disabled by policy"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}
	if _, err := os.Stat(pctx.SourceDir); err != nil {
		return envelope.Errf(envelope.CodeSourceDirNotFound,
			"source dir %q does not exist", pctx.SourceDir), nil
	}

	debounce := b.Policy.WatcherDebounce
	if ms := call.Int("debounceMs", 0); ms > 0 {
		debounce = time.Duration(ms) * time.Millisecond
	}

	w, err := b.startWatcher(call.SessionID, pctx, debounce)
	if err != nil {
		return nil, err
	}
	state, _ := w.State()
	return envelope.Okf(map[string]any{
		"state":     state,
		"sourceDir": pctx.SourceDir,
	}, "watching %s", pctx.SourceDir), nil
}

func (b *Bridge) watchStop(_ context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	w := b.Sessions.Watcher(call.SessionID)
	if w == nil {
		return envelope.Okf(map[string]any{"state": watch.StateNotStarted},
			"no watcher running for this session"), nil
	}
	if err := w.Stop(); err != nil {
		b.Logger.Warn("watcher stop failed", "session_id", call.SessionID, "error", err)
	}
	return envelope.Okf(map[string]any{"state": watch.StateNotStarted}, "watcher stopped"), nil
}

// relatedNames lists the names of call neighbors.
func relatedNames(ctx context.Context, store graph.Store, projectID, id string, outgoing bool, rel graph.RelType) []string {
	var (
		rels []*graph.Relationship
		err  error
	)
	if outgoing {
		rels, err = store.RelationshipsFrom(ctx, projectID, id, rel)
	} else {
		rels, err = store.RelationshipsTo(ctx, projectID, id, rel)
	}
	if err != nil {
		return nil
	}
	var names []string
	for _, r := range rels {
		other := r.To
		if !outgoing {
			other = r.From
		}
		if n, err := store.GetLive(ctx, projectID, other); err == nil {
			names = append(names, n.Name())
		}
	}
	return names
}

// notFoundEnvelope builds a not-found envelope carrying resolver
// candidates as suggestions.
func notFoundEnvelope(code, ref string, res graph.Resolution) *envelope.Envelope {
	env := envelope.Errf(code, "%q did not resolve to a graph element", ref)
	if len(res.Candidates) > 0 {
		var names []string
		for _, c := range res.Candidates {
			names = append(names, c.ID)
		}
		env.WithHint("did you mean: " + strings.Join(names, ", "))
	}
	return env
}
