// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffsince computes what changed in the graph since an anchor:
// a transaction id, a timestamp, a git commit, or an agent's last
// rebuild.
package diffsince

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// maxEntries bounds each diff section, newest first.
const maxEntries = 500

// Entry is one changed symbol.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	At   int64  `json:"at"`
}

// Diff reports graph changes since an anchor.
type Diff struct {
	Anchor   *graph.Anchor `json:"anchor"`
	Added    []Entry       `json:"added"`
	Removed  []Entry       `json:"removed"`
	Modified []Entry       `json:"modified"`
	TxIDs    []string      `json:"txIds,omitempty"`
	Summary  string        `json:"summary"`
}

// DefaultTypes are the node kinds diffed when the caller passes none.
var DefaultTypes = []graph.NodeType{graph.NodeFile, graph.NodeFunction, graph.NodeClass}

// Compute resolves the anchor and diffs the graph against it.
//
// # Description
//
// A symbol appearing in both the added and removed sets changed in
// place (its old row ended and a new row began) and is reported as
// modified instead. Sections are newest first and capped at 500
// entries each. types narrows the diff to the given node kinds; nil
// means DefaultTypes.
//
// # Outputs
//
//   - *Diff: the change report.
//   - error: graph.ErrNodeNotFound when the anchor resolves to nothing.
func Compute(ctx context.Context, store graph.Store, projectID, since string, types []graph.NodeType) (*Diff, error) {
	anchor, err := graph.ResolveSinceAnchor(ctx, store, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("resolve anchor %q: %w", since, err)
	}
	if len(types) == 0 {
		types = DefaultTypes
	}

	added, err := store.AddedSince(ctx, projectID, types, anchor.SinceTs, maxEntries)
	if err != nil {
		return nil, err
	}
	removed, err := store.RemovedSince(ctx, projectID, types, anchor.SinceTs, maxEntries)
	if err != nil {
		return nil, err
	}

	addedIDs := make(map[string]bool, len(added))
	for _, n := range added {
		addedIDs[n.ID] = true
	}
	removedIDs := make(map[string]bool, len(removed))
	for _, n := range removed {
		removedIDs[n.ID] = true
	}

	d := &Diff{Anchor: anchor}
	seenModified := map[string]bool{}
	for _, n := range added {
		if removedIDs[n.ID] {
			if !seenModified[n.ID] {
				seenModified[n.ID] = true
				d.Modified = append(d.Modified, toEntry(n, n.ValidFrom))
			}
			continue
		}
		d.Added = append(d.Added, toEntry(n, n.ValidFrom))
	}
	for _, n := range removed {
		if addedIDs[n.ID] {
			continue
		}
		at := anchor.SinceTs
		if n.ValidTo != nil {
			at = *n.ValidTo
		}
		d.Removed = append(d.Removed, toEntry(n, at))
	}

	txs, err := store.TxsSince(ctx, projectID, anchor.SinceTs)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		d.TxIDs = append(d.TxIDs, tx.ID)
	}

	d.Summary = fmt.Sprintf("%d added, %d removed, %d modified since %s.",
		len(d.Added), len(d.Removed), len(d.Modified), anchor.AnchorValue)
	return d, nil
}

func toEntry(n *graph.Node, at int64) Entry {
	return Entry{
		ID:   n.ID,
		Name: n.Name(),
		Kind: string(n.Type),
		Path: n.Prop("path"),
		At:   at,
	}
}
