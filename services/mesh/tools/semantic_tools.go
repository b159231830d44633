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

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/vector"
)

const categorySemantic = "semantic"

// defaultSemanticLimit bounds semantic result lists.
const defaultSemanticLimit = 10

// semanticTools builds the vector-backed tool entries.
func semanticTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "semantic_search",
			Category: categorySemantic,
			InputShape: map[string]string{
				"query": "string", "limit": "int?", "asOf": "string|int?",
			},
			Run: b.semanticSearch,
		},
		{
			Name:     "find_similar_code",
			Category: categorySemantic,
			InputShape: map[string]string{
				"element": "string", "limit": "int?",
			},
			Run: b.findSimilarCode,
		},
		{
			Name:     "semantic_slice",
			Category: categorySemantic,
			InputShape: map[string]string{
				"element": "string", "asOf": "string|int?",
			},
			Run: b.semanticSlice,
		},
		{
			Name:     "semantic_diff",
			Category: categorySemantic,
			InputShape: map[string]string{
				"element": "string", "asOf": "string|int",
			},
			Run: b.semanticDiff,
		},
		{
			Name:       "code_clusters",
			Category:   categorySemantic,
			InputShape: map[string]string{"limit": "int?"},
			Run:        b.codeClusters,
		},
	}
}

// runSemantic wraps a vector search with the shared availability
// mapping.
func (b *Bridge) runSemantic(ctx context.Context, projectID, query string, limit int, asOf int64) ([]vector.Hit, *envelope.Envelope) {
	if b.Vectors == nil {
		return nil, envelope.Err(envelope.CodeVectorStoreUnavailable,
			"no vector store configured for this deployment")
	}
	hits, err := b.Vectors.SemanticSearch(ctx, projectID, query, limit, asOf)
	switch {
	case errors.Is(err, vector.ErrEmbeddingsNotReady):
		return nil, envelope.Err(envelope.CodeSemanticSearchFailed, err.Error()).
			WithHint("run graph_rebuild with mode=full to regenerate embeddings")
	case errors.Is(err, vector.ErrUnavailable):
		return nil, envelope.Err(envelope.CodeVectorStoreUnavailable, err.Error())
	case err != nil:
		return nil, envelope.Err(envelope.CodeSemanticSearchFailed, err.Error())
	}
	return hits, nil
}

func (b *Bridge) semanticSearch(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	query := call.String("query")
	if query == "" {
		return envelope.Err(envelope.CodeSemanticSearchFailed, "query is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}
	asOf, envErr := b.resolveAsOf(ctx, pctx.ProjectID, call)
	if envErr != nil {
		return envErr, nil
	}

	hits, envErr := b.runSemantic(ctx, pctx.ProjectID, query,
		call.Int("limit", defaultSemanticLimit), asOf)
	if envErr != nil {
		return envErr, nil
	}
	return envelope.Okf(map[string]any{"hits": hits}, "%d hits", len(hits)), nil
}

func (b *Bridge) findSimilarCode(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("element")
	if ref == "" {
		return envelope.Err(envelope.CodeFindSimilarCodeInvalidInput, "element is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	res, err := graph.ResolveElement(ctx, b.Store, pctx.ProjectID, ref)
	if err != nil {
		return notFoundEnvelope(envelope.CodeElementNotFound, ref, res), nil
	}
	n := res.Node

	// The symbol's own snippet is the best similarity probe; fall back
	// to its name.
	probe := n.Prop("snippet")
	if probe == "" {
		probe = n.Name()
	}
	limit := call.Int("limit", defaultSemanticLimit)
	hits, envErr := b.runSemantic(ctx, pctx.ProjectID, probe, limit+1, 0)
	if envErr != nil {
		return envErr, nil
	}

	similar := make([]vector.Hit, 0, len(hits))
	for _, h := range hits {
		if h.EntityID == n.ID {
			continue
		}
		similar = append(similar, h)
		if len(similar) == limit {
			break
		}
	}
	return envelope.Okf(map[string]any{"element": n.ID, "similar": similar},
		"%d symbols similar to %s", len(similar), n.Name()), nil
}

// semanticSlice returns a symbol with its immediate structural
// neighborhood: the containing file, callers, and callees.
func (b *Bridge) semanticSlice(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("element")
	if ref == "" {
		return envelope.Err(envelope.CodeSemanticSliceInvalidInput, "element is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	res, err := graph.ResolveElement(ctx, b.Store, pctx.ProjectID, ref)
	if err != nil {
		return notFoundEnvelope(envelope.CodeSemanticSliceNotFound, ref, res), nil
	}
	n := res.Node

	var containedIn string
	if rels, err := b.Store.RelationshipsTo(ctx, pctx.ProjectID, n.ID, graph.RelContains); err == nil && len(rels) > 0 {
		containedIn = rels[0].From
	}

	return envelope.Okf(map[string]any{
		"element":     n,
		"containedIn": containedIn,
		"callers":     relatedNames(ctx, b.Store, pctx.ProjectID, n.ID, false, graph.RelCalls),
		"callees":     relatedNames(ctx, b.Store, pctx.ProjectID, n.ID, true, graph.RelCalls),
	}, "slice around %s", n.Name()), nil
}

// semanticDiff compares a symbol's live row against its row at asOf.
func (b *Bridge) semanticDiff(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("element")
	if ref == "" || call.Args["asOf"] == nil {
		return envelope.Err(envelope.CodeSemanticDiffInvalidInput,
			"element and asOf are required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}
	asOf, envErr := b.resolveAsOf(ctx, pctx.ProjectID, call)
	if envErr != nil {
		return envErr, nil
	}

	res, err := graph.ResolveElement(ctx, b.Store, pctx.ProjectID, ref)
	if err != nil {
		return notFoundEnvelope(envelope.CodeElementNotFound, ref, res), nil
	}
	current := res.Node

	rows, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	var previous *graph.Node
	for _, row := range rows {
		if row.ID == current.ID {
			previous = row
			break
		}
	}

	data := map[string]any{"element": current.ID, "asOf": asOf}
	switch {
	case previous == nil:
		data["change"] = "added"
	case previous.ValidFrom == current.ValidFrom:
		data["change"] = "unchanged"
	default:
		data["change"] = "modified"
		changed := map[string]any{}
		for key, val := range current.Properties {
			prev, ok := previous.Properties[key]
			if !ok || fmt.Sprint(prev) != fmt.Sprint(val) {
				changed[key] = map[string]any{"before": prev, "after": val}
			}
		}
		data["properties"] = changed
	}
	return envelope.Okf(data, "%s is %s since then", current.Name(), data["change"]), nil
}

func (b *Bridge) codeClusters(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	nodes, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeCommunity},
		LiveOnly: true,
		Limit:    call.Int("limit", 0),
	})
	if err != nil {
		return nil, err
	}

	type cluster struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Summary     string `json:"summary,omitempty"`
		MemberCount int    `json:"memberCount"`
	}
	clusters := make([]cluster, 0, len(nodes))
	for _, n := range nodes {
		c := cluster{ID: n.ID, Label: n.Prop("label"), Summary: n.Prop("summary")}
		if v, ok := n.Properties["memberCount"].(int); ok {
			c.MemberCount = v
		} else if v, ok := n.Properties["memberCount"].(float64); ok {
			c.MemberCount = int(v)
		}
		clusters = append(clusters, c)
	}
	return envelope.Okf(map[string]any{"clusters": clusters},
		"%d communities", len(clusters)), nil
}
