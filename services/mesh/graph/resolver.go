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
	"strings"
)

// MaxResolveCandidates bounds the candidate list returned on ambiguity.
const MaxResolveCandidates = 5

// Resolution is the outcome of resolving a textual element reference.
type Resolution struct {
	// Node is the unique match, nil when resolution failed.
	Node *Node

	// Candidates holds close matches when the reference was ambiguous
	// or not found, so callers can surface suggestions.
	Candidates []*Node
}

// ResolveElement finds the unique live graph node for a textual reference.
//
// # Description
//
// The reference is tried as, in order: an exact node id, an exact symbol
// name, and a path suffix. Exactly one live match wins; several matches
// at the same tier return ErrAmbiguous with candidates attached.
//
// # Inputs
//
//   - store: Graph backend.
//   - projectID: Project scope.
//   - ref: Id, name, or path fragment.
//
// # Outputs
//
//   - Resolution: The match or the candidate list.
//   - error: ErrNodeNotFound, ErrAmbiguous, or a backend failure.
func ResolveElement(ctx context.Context, store Store, projectID, ref string) (Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Resolution{}, fmt.Errorf("resolve element: %w", ErrNodeNotFound)
	}

	if node, err := store.GetLive(ctx, projectID, ref); err == nil {
		return Resolution{Node: node}, nil
	}

	nodes, err := store.Nodes(ctx, projectID, NodeFilter{
		Types:    []NodeType{NodeFile, NodeFunction, NodeClass},
		LiveOnly: true,
	})
	if err != nil {
		return Resolution{}, err
	}

	byName := matchNodes(nodes, func(n *Node) bool { return n.Prop("name") == ref })
	if res, done := pick(byName); done {
		return res, resolutionErr(res)
	}

	suffix := strings.TrimPrefix(ref, "./")
	byPath := matchNodes(nodes, func(n *Node) bool {
		p := n.Prop("path")
		return p != "" && (p == suffix || strings.HasSuffix(p, "/"+suffix))
	})
	if res, done := pick(byPath); done {
		return res, resolutionErr(res)
	}

	return Resolution{}, ErrNodeNotFound
}

func matchNodes(nodes []*Node, pred func(*Node) bool) []*Node {
	var out []*Node
	for _, n := range nodes {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

// pick converts a match set into a resolution. done=false means "try the
// next tier".
func pick(matches []*Node) (Resolution, bool) {
	switch len(matches) {
	case 0:
		return Resolution{}, false
	case 1:
		return Resolution{Node: matches[0]}, true
	default:
		if len(matches) > MaxResolveCandidates {
			matches = matches[:MaxResolveCandidates]
		}
		return Resolution{Candidates: matches}, true
	}
}

func resolutionErr(res Resolution) error {
	if res.Node != nil {
		return nil
	}
	return ErrAmbiguous
}
