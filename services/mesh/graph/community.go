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
	"fmt"
	"sort"
	"strings"
)

// Community detection parameters.
const (
	// communityMaxIterations bounds label propagation passes.
	communityMaxIterations = 20

	// communityMinSize filters out singleton communities.
	communityMinSize = 2

	// communityMaxMembers caps the member id list stored per community.
	communityMaxMembers = 50
)

// DetectCommunities recomputes COMMUNITY nodes for a project.
//
// # Description
//
// Runs synchronous label propagation over the live FILE/FUNCTION/CLASS
// subgraph, derives a label and summary per community, ends the previous
// COMMUNITY rows, and upserts the new ones. Invoked as the full-rebuild
// post-build hook; global retrieval reads these rows.
//
// # Outputs
//
//   - int: Number of communities written.
//   - error: Backend failure. Detection itself cannot fail.
func DetectCommunities(ctx context.Context, store Store, projectID string) (int, error) {
	nodes, err := store.Nodes(ctx, projectID, NodeFilter{
		Types:    []NodeType{NodeFile, NodeFunction, NodeClass},
		LiveOnly: true,
	})
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, nil
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	adj := make([][]int, len(nodes))
	for _, n := range nodes {
		rels, err := store.RelationshipsFrom(ctx, projectID, n.ID)
		if err != nil {
			return 0, err
		}
		from := index[n.ID]
		for _, r := range rels {
			if to, ok := index[r.To]; ok {
				adj[from] = append(adj[from], to)
				adj[to] = append(adj[to], from)
			}
		}
	}

	labels := propagateLabels(ctx, adj)

	members := make(map[int][]*Node)
	for i, label := range labels {
		members[label] = append(members[label], nodes[i])
	}

	now := NowMilli()
	if err := endLiveCommunities(ctx, store, projectID, now); err != nil {
		return 0, err
	}

	// Deterministic output order: largest first, then label.
	keys := make([]int, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(members[keys[i]]) != len(members[keys[j]]) {
			return len(members[keys[i]]) > len(members[keys[j]])
		}
		return keys[i] < keys[j]
	})

	var written int
	for _, k := range keys {
		group := members[k]
		if len(group) < communityMinSize {
			continue
		}
		node := communityNode(projectID, written, group, now)
		if err := store.UpsertNode(ctx, node); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// propagateLabels runs synchronous label propagation and returns the
// final label per node index.
func propagateLabels(ctx context.Context, adj [][]int) []int {
	labels := make([]int, len(adj))
	for i := range labels {
		labels[i] = i
	}

	for iter := 0; iter < communityMaxIterations; iter++ {
		if ctx.Err() != nil {
			break
		}
		changed := false
		for i, neighbors := range adj {
			if len(neighbors) == 0 {
				continue
			}
			counts := make(map[int]int)
			for _, j := range neighbors {
				counts[labels[j]]++
			}
			best, bestCount := labels[i], 0
			for label, count := range counts {
				if count > bestCount || (count == bestCount && label < best) {
					best, bestCount = label, count
				}
			}
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

func endLiveCommunities(ctx context.Context, store Store, projectID string, at int64) error {
	old, err := store.Nodes(ctx, projectID, NodeFilter{
		Types:    []NodeType{NodeCommunity},
		LiveOnly: true,
	})
	if err != nil {
		return err
	}
	for _, c := range old {
		if err := store.EndNode(ctx, projectID, c.ID, at); err != nil {
			return err
		}
	}
	return nil
}

func communityNode(projectID string, ordinal int, group []*Node, now int64) *Node {
	sort.Slice(group, func(i, j int) bool { return group[i].Name() < group[j].Name() })

	label := dominantDir(group)
	names := make([]string, 0, 3)
	for _, n := range group[:min(3, len(group))] {
		names = append(names, n.Name())
	}
	memberIDs := make([]string, 0, min(communityMaxMembers, len(group)))
	for _, n := range group[:min(communityMaxMembers, len(group))] {
		memberIDs = append(memberIDs, n.ID)
	}

	return &Node{
		ID:        fmt.Sprintf("community:%s:%d:%d", projectID, now, ordinal),
		ProjectID: projectID,
		Type:      NodeCommunity,
		ValidFrom: now,
		Properties: map[string]any{
			"label":       label,
			"summary":     fmt.Sprintf("%d symbols around %s", len(group), strings.Join(names, ", ")),
			"memberCount": len(group),
			"memberIds":   memberIDs,
		},
	}
}

// dominantDir picks the most common top path segment among members as
// the community label, falling back to the first member name.
func dominantDir(group []*Node) string {
	counts := make(map[string]int)
	for _, n := range group {
		p := n.Prop("path")
		if p == "" {
			continue
		}
		if i := strings.IndexByte(p, '/'); i > 0 {
			counts[p[:i]]++
		} else {
			counts[p]++
		}
	}
	best, bestCount := "", 0
	for dir, c := range counts {
		if c > bestCount || (c == bestCount && dir < best) {
			best, bestCount = dir, c
		}
	}
	if best == "" {
		return group[0].Name()
	}
	return best
}
