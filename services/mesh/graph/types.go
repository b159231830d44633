// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines the graph store contract for the mesh service and
// provides the embedded reference implementation (in-memory index with
// BadgerDB persistence).
//
// The graph store is the source of truth for every persisted entity:
// source-derived nodes (FILE/FUNCTION/CLASS/IMPORT), communities, agent
// episodes, claims, learnings, tasks, and the append-only GRAPH_TX ledger.
// Temporal rows carry validFrom/validTo in epoch milliseconds; at most one
// live row (validTo == nil) exists per (id, projectId).
package graph

import (
	"time"
)

// NodeType enumerates the node labels stored in the graph.
type NodeType string

const (
	NodeFile      NodeType = "FILE"
	NodeFunction  NodeType = "FUNCTION"
	NodeClass     NodeType = "CLASS"
	NodeImport    NodeType = "IMPORT"
	NodeCommunity NodeType = "COMMUNITY"
	NodeEpisode   NodeType = "EPISODE"
	NodeClaim     NodeType = "CLAIM"
	NodeGraphTx   NodeType = "GRAPH_TX"
	NodeLearning  NodeType = "LEARNING"
	NodeTask      NodeType = "TASK"
	NodeFeature   NodeType = "FEATURE"
)

// ValidNodeTypes is the set of recognized node labels.
var ValidNodeTypes = map[NodeType]bool{
	NodeFile: true, NodeFunction: true, NodeClass: true, NodeImport: true,
	NodeCommunity: true, NodeEpisode: true, NodeClaim: true, NodeGraphTx: true,
	NodeLearning: true, NodeTask: true, NodeFeature: true,
}

// RelType enumerates relationship labels.
type RelType string

const (
	RelContains      RelType = "CONTAINS"
	RelImports       RelType = "IMPORTS"
	RelReferences    RelType = "REFERENCES"
	RelCalls         RelType = "CALLS"
	RelTests         RelType = "TESTS"
	RelImplementedBy RelType = "IMPLEMENTED_BY"
	RelTargets       RelType = "TARGETS"
	RelInvolves      RelType = "INVOLVES"
	RelAppliesTo     RelType = "APPLIES_TO"
)

// Node is a graph node row. ValidTo == nil means the row is live.
type Node struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Type       NodeType       `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidFrom  int64          `json:"validFrom"`
	ValidTo    *int64         `json:"validTo,omitempty"`
}

// Live reports whether the row is the current version.
func (n *Node) Live() bool { return n.ValidTo == nil }

// Prop returns a string property, or "" when absent.
func (n *Node) Prop(key string) string {
	if n.Properties == nil {
		return ""
	}
	s, _ := n.Properties[key].(string)
	return s
}

// PropInt returns a numeric property as int64, tolerating JSON float64.
func (n *Node) PropInt(key string) int64 {
	if n.Properties == nil {
		return 0
	}
	switch v := n.Properties[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Name returns the display name: the name property, then path, then id.
func (n *Node) Name() string {
	if s := n.Prop("name"); s != "" {
		return s
	}
	if s := n.Prop("path"); s != "" {
		return s
	}
	return n.ID
}

// Relationship is a typed edge between two node ids.
type Relationship struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       RelType        `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TxType enumerates rebuild transaction kinds.
type TxType string

const (
	TxFullRebuild        TxType = "full_rebuild"
	TxIncrementalRebuild TxType = "incremental_rebuild"
)

// Tx is an append-only rebuild record. Used as the anchor type for
// diff_since and as the audit trail for graph mutation.
type Tx struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Type      TxType `json:"type"`
	Mode      string `json:"mode"`
	Timestamp int64  `json:"timestamp"`
	SourceDir string `json:"sourceDir"`
	GitCommit string `json:"gitCommit,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// Counts summarizes the store contents for one project.
type Counts struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
	Files         int `json:"files"`
	Functions     int `json:"functions"`
	Classes       int `json:"classes"`
}

// NowMilli returns the current wall clock in epoch milliseconds.
// Package-level var so tests can pin time.
var NowMilli = func() int64 { return time.Now().UnixMilli() }
