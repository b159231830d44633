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
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

const categoryTests = "tests"

// defaultImpactDepth bounds the reverse-dependency walk.
const defaultImpactDepth = 2

// testTools builds the test and architecture tool entries. test_select,
// test_categorize, impact_analyze and suggest_tests run on the graph
// alone; test_run and the arch tools need their external engines.
func testTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "impact_analyze",
			Category: categoryTests,
			InputShape: map[string]string{
				"files": "[]string", "depth": "int?",
			},
			Run: b.impactAnalyze,
		},
		{
			Name:       "test_select",
			Category:   categoryTests,
			InputShape: map[string]string{"files": "[]string"},
			Run:        b.testSelect,
		},
		{
			Name:       "test_categorize",
			Category:   categoryTests,
			InputShape: map[string]string{},
			Run:        b.testCategorize,
		},
		{
			Name:       "test_run",
			Category:   categoryTests,
			InputShape: map[string]string{"tests": "[]string?"},
			Run:        b.testRun,
		},
		{
			Name:       "suggest_tests",
			Category:   categoryTests,
			InputShape: map[string]string{"files": "[]string?"},
			Run:        b.suggestTests,
		},
		{
			Name:       "arch_validate",
			Category:   categoryTests,
			InputShape: map[string]string{},
			Run:        b.archValidate,
		},
		{
			Name:       "arch_suggest",
			Category:   categoryTests,
			InputShape: map[string]string{"area": "string?"},
			Run:        b.archSuggest,
		},
	}
}

// impactSet walks reverse dependencies from the given source files:
// symbols contained in them, then callers, importers and referencers,
// up to depth hops.
func (b *Bridge) impactSet(ctx context.Context, projectID string, files []string, depth int) (map[string]int, error) {
	if depth <= 0 {
		depth = defaultImpactDepth
	}

	nodes, err := b.Store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFile},
		LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	// distance 0: the changed files and the symbols they contain.
	dist := map[string]int{}
	var frontier []string
	for _, n := range nodes {
		for _, f := range files {
			if n.Prop("path") == f || strings.HasSuffix(n.Prop("path"), "/"+f) {
				dist[n.ID] = 0
				frontier = append(frontier, n.ID)
			}
		}
	}
	for _, id := range frontier {
		rels, err := b.Store.RelationshipsFrom(ctx, projectID, id, graph.RelContains)
		if err != nil {
			continue
		}
		for _, r := range rels {
			if _, seen := dist[r.To]; !seen {
				dist[r.To] = 0
				frontier = append(frontier, r.To)
			}
		}
	}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			rels, err := b.Store.RelationshipsTo(ctx, projectID, id,
				graph.RelCalls, graph.RelImports, graph.RelReferences)
			if err != nil {
				continue
			}
			for _, r := range rels {
				if _, seen := dist[r.From]; !seen {
					dist[r.From] = d
					next = append(next, r.From)
				}
			}
		}
		frontier = next
	}
	return dist, nil
}

func (b *Bridge) impactAnalyze(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	files := call.Strings("files")
	if len(files) == 0 {
		return envelope.Err(envelope.CodeImpactAnalyzeInvalidInput,
			"files is required").WithHint("pass source-relative paths"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	dist, err := b.impactSet(ctx, pctx.ProjectID, files, call.Int("depth", 0))
	if err != nil {
		return nil, err
	}

	type impacted struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Kind     string `json:"kind"`
		Distance int    `json:"distance"`
	}
	var out []impacted
	for id, d := range dist {
		n, err := b.Store.GetLive(ctx, pctx.ProjectID, id)
		if err != nil {
			continue
		}
		out = append(out, impacted{ID: id, Name: n.Name(), Kind: string(n.Type), Distance: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return envelope.Okf(map[string]any{"files": files, "impacted": out},
		"%d symbols impacted by %d file(s)", len(out), len(files)), nil
}

// isTestPath recognizes the common test-file layouts.
func isTestPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, "_test.go") ||
		strings.Contains(lower, ".test.") ||
		strings.Contains(lower, ".spec.") ||
		strings.Contains(lower, "/__tests__/") ||
		strings.Contains(lower, "/test/") ||
		strings.Contains(lower, "/tests/")
}

func (b *Bridge) testSelect(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	files := call.Strings("files")
	if len(files) == 0 {
		return envelope.Err(envelope.CodeImpactAnalyzeInvalidInput, "files is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	dist, err := b.impactSet(ctx, pctx.ProjectID, files, defaultImpactDepth)
	if err != nil {
		return nil, err
	}

	selected := map[string]bool{}
	for id := range dist {
		// Explicit TESTS edges win.
		rels, err := b.Store.RelationshipsTo(ctx, pctx.ProjectID, id, graph.RelTests)
		if err == nil {
			for _, r := range rels {
				selected[r.From] = true
			}
		}
		// Impacted nodes that are themselves tests.
		if n, err := b.Store.GetLive(ctx, pctx.ProjectID, id); err == nil && isTestPath(n.Prop("path")) {
			selected[n.ID] = true
		}
	}

	tests := make([]string, 0, len(selected))
	for id := range selected {
		tests = append(tests, id)
	}
	sort.Strings(tests)
	return envelope.Okf(map[string]any{"tests": tests},
		"%d tests selected for %d changed file(s)", len(tests), len(files)), nil
}

func (b *Bridge) testCategorize(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	nodes, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFile},
		LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	categories := map[string][]string{}
	for _, n := range nodes {
		path := n.Prop("path")
		if !isTestPath(path) {
			continue
		}
		lower := strings.ToLower(path)
		category := "unit"
		switch {
		case strings.Contains(lower, "e2e") || strings.Contains(lower, "end-to-end"):
			category = "e2e"
		case strings.Contains(lower, "integration"):
			category = "integration"
		}
		categories[category] = append(categories[category], path)
	}
	for _, paths := range categories {
		sort.Strings(paths)
	}

	total := 0
	for _, paths := range categories {
		total += len(paths)
	}
	return envelope.Okf(map[string]any{"categories": categories},
		"%d test files in %d categories", total, len(categories)), nil
}

func (b *Bridge) testRun(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Tests == nil {
		return envelope.Err(envelope.CodeTestEngineUnavailable,
			"no test engine configured for this deployment").
			WithHint("use test_select and run the tests in your own toolchain"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	report, err := b.Tests.RunTests(ctx, pctx.ProjectID, call.Strings("tests"))
	if err != nil {
		return envelope.Err(envelope.CodeTestEngineUnavailable, err.Error()), nil
	}
	return envelope.Okf(report, "%d passed, %d failed, %d skipped",
		report.Passed, report.Failed, report.Skipped), nil
}

// suggestTests lists impacted symbols with no covering TESTS edge.
func (b *Bridge) suggestTests(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	var candidates map[string]int
	if files := call.Strings("files"); len(files) > 0 {
		var err error
		candidates, err = b.impactSet(ctx, pctx.ProjectID, files, defaultImpactDepth)
		if err != nil {
			return nil, err
		}
	} else {
		nodes, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
			Types:    []graph.NodeType{graph.NodeFunction, graph.NodeClass},
			LiveOnly: true,
		})
		if err != nil {
			return nil, err
		}
		candidates = make(map[string]int, len(nodes))
		for _, n := range nodes {
			candidates[n.ID] = 0
		}
	}

	var untested []string
	for id := range candidates {
		n, err := b.Store.GetLive(ctx, pctx.ProjectID, id)
		if err != nil || n.Type == graph.NodeFile || isTestPath(n.Prop("path")) {
			continue
		}
		rels, err := b.Store.RelationshipsTo(ctx, pctx.ProjectID, id, graph.RelTests)
		if err == nil && len(rels) == 0 {
			untested = append(untested, id)
		}
	}
	sort.Strings(untested)
	return envelope.Okf(map[string]any{"untested": untested},
		"%d symbols lack test coverage", len(untested)), nil
}

func (b *Bridge) archValidate(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Arch == nil {
		return envelope.Err(envelope.CodeArchEngineUnavailable,
			"no architecture engine configured for this deployment"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	findings, err := b.Arch.Validate(ctx, pctx.ProjectID)
	if err != nil {
		return envelope.Err(envelope.CodeArchEngineUnavailable, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"findings": findings},
		"%d architecture finding(s)", len(findings)), nil
}

func (b *Bridge) archSuggest(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	if b.Arch == nil {
		return envelope.Err(envelope.CodeArchEngineUnavailable,
			"no architecture engine configured for this deployment"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	suggestions, err := b.Arch.Suggest(ctx, pctx.ProjectID, call.String("area"))
	if err != nil {
		return envelope.Err(envelope.CodeArchEngineUnavailable, err.Error()), nil
	}
	return envelope.Okf(map[string]any{"suggestions": suggestions},
		"%d suggestion(s)", len(suggestions)), nil
}
