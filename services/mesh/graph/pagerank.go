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
	"math"
	"sort"
)

// PageRank parameters.
const (
	pprDamping     = 0.85
	pprMaxIters    = 50
	pprConvergence = 1e-6
)

// PersonalizedPageRank ranks live nodes by relevance to the seed set.
//
// # Description
//
// Runs power iteration with the teleport distribution concentrated on
// the seeds, so mass flows outward from task-relevant symbols along
// structural edges. Edges are followed in both directions: a caller is
// as relevant as a callee for context assembly.
//
// # Inputs
//
//   - seedIDs: Node ids to personalize on. Unknown ids are ignored.
//   - maxResults: Cap on returned nodes (0 means all).
//
// # Outputs
//
//   - []ScoredNode: Ranked nodes, best first. Empty when no seed exists
//     in the graph.
func PersonalizedPageRank(ctx context.Context, store Store, projectID string, seedIDs []string, maxResults int) ([]ScoredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes, err := store.Nodes(ctx, projectID, NodeFilter{LiveOnly: true})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	// Undirected adjacency restricted to live endpoints.
	adj := make([][]int, len(nodes))
	for _, n := range nodes {
		rels, err := store.RelationshipsFrom(ctx, projectID, n.ID)
		if err != nil {
			return nil, err
		}
		from := index[n.ID]
		for _, r := range rels {
			to, ok := index[r.To]
			if !ok {
				continue
			}
			adj[from] = append(adj[from], to)
			adj[to] = append(adj[to], from)
		}
	}

	teleport := make([]float64, len(nodes))
	var seedCount int
	for _, id := range seedIDs {
		if i, ok := index[id]; ok {
			teleport[i] += 1
			seedCount++
		}
	}
	if seedCount == 0 {
		return nil, nil
	}
	for i := range teleport {
		teleport[i] /= float64(seedCount)
	}

	rank := make([]float64, len(nodes))
	copy(rank, teleport)
	next := make([]float64, len(nodes))

	for iter := 0; iter < pprMaxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range next {
			next[i] = (1 - pprDamping) * teleport[i]
		}
		for i, neighbors := range adj {
			if len(neighbors) == 0 {
				// Dangling mass returns to the seeds.
				for j := range next {
					next[j] += pprDamping * rank[i] * teleport[j]
				}
				continue
			}
			share := pprDamping * rank[i] / float64(len(neighbors))
			for _, j := range neighbors {
				next[j] += share
			}
		}

		var delta float64
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < pprConvergence {
			break
		}
	}

	scored := make([]ScoredNode, 0, len(nodes))
	for i, n := range nodes {
		if rank[i] > 0 {
			scored = append(scored, ScoredNode{Node: n, Score: rank[i]})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if maxResults > 0 && len(scored) > maxResults {
		scored = scored[:maxResults]
	}
	return scored, nil
}
