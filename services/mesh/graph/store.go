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
	"errors"
)

// Sentinel errors for graph store operations.
var (
	// ErrNotConnected indicates the store backend is unreachable.
	ErrNotConnected = errors.New("graph store not connected")

	// ErrNodeNotFound indicates no live node matched.
	ErrNodeNotFound = errors.New("node not found")

	// ErrAmbiguous indicates a name resolved to more than one node.
	ErrAmbiguous = errors.New("reference is ambiguous")

	// ErrQueryUnsupported indicates the backend cannot execute the query
	// language (the embedded reference store has no Cypher engine).
	ErrQueryUnsupported = errors.New("query language not supported by this backend")

	// ErrStoreClosed indicates operations on a closed store.
	ErrStoreClosed = errors.New("graph store is closed")
)

// NodeFilter narrows node scans. Zero values mean "any".
type NodeFilter struct {
	Types     []NodeType
	LiveOnly  bool
	AsOf      int64 // When > 0, rows valid at this instant.
	Limit     int
}

// Store is the graph backend contract.
//
// The production deployment points this at an external graph database;
// the embedded BadgerDB-backed implementation in this package serves
// local-first installs and tests. Implementations must be safe for
// concurrent use.
type Store interface {
	// Connected reports whether the backend is reachable. Disconnected
	// stores cause rebuilds to skip GRAPH_TX persistence but never to
	// fail.
	Connected() bool

	// UpsertNode ends any live row for (node.ID, node.ProjectID) at
	// node.ValidFrom and inserts the new row as live.
	UpsertNode(ctx context.Context, node *Node) error

	// EndNode closes the live row for (id, projectID) at the given
	// instant. Returns ErrNodeNotFound when no live row exists.
	EndNode(ctx context.Context, projectID, id string, at int64) error

	// GetLive returns the live row for (id, projectID).
	GetLive(ctx context.Context, projectID, id string) (*Node, error)

	// Nodes returns rows for a project matching the filter.
	Nodes(ctx context.Context, projectID string, f NodeFilter) ([]*Node, error)

	// AddedSince returns rows with validFrom >= sinceTs, newest first.
	AddedSince(ctx context.Context, projectID string, types []NodeType, sinceTs int64, limit int) ([]*Node, error)

	// RemovedSince returns rows with validTo >= sinceTs, newest first.
	RemovedSince(ctx context.Context, projectID string, types []NodeType, sinceTs int64, limit int) ([]*Node, error)

	// AddRelationship inserts an edge. Dangling endpoints are allowed;
	// the build engine writes nodes and edges in arbitrary order.
	AddRelationship(ctx context.Context, rel *Relationship) error

	// RelationshipsFrom returns outgoing edges of the given types.
	RelationshipsFrom(ctx context.Context, projectID, fromID string, types ...RelType) ([]*Relationship, error)

	// RelationshipsTo returns incoming edges of the given types.
	RelationshipsTo(ctx context.Context, projectID, toID string, types ...RelType) ([]*Relationship, error)

	// AppendTx appends a rebuild transaction record.
	AppendTx(ctx context.Context, tx *Tx) error

	// TxsSince returns transactions with timestamp >= sinceTs, oldest
	// first.
	TxsSince(ctx context.Context, projectID string, sinceTs int64) ([]*Tx, error)

	// FindTx locates a transaction by property ("id", "gitCommit",
	// "agentId"). Returns ErrNodeNotFound when absent.
	FindTx(ctx context.Context, projectID, property, value string) (*Tx, error)

	// RunQuery executes a raw graph-language query. The embedded store
	// returns ErrQueryUnsupported.
	RunQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)

	// Counts reports store totals for health reporting.
	Counts(ctx context.Context, projectID string) (Counts, error)

	// EnsureLexicalIndex builds (or refreshes) the BM25 symbol-name index
	// for a project. Idempotent.
	EnsureLexicalIndex(ctx context.Context, projectID string) error

	// LexicalSearch ranks live FILE/FUNCTION/CLASS nodes against the
	// query using the BM25 index.
	LexicalSearch(ctx context.Context, projectID, query string, limit int) ([]ScoredNode, error)

	// Close releases backend resources.
	Close() error
}

// ScoredNode pairs a node with a retrieval score.
type ScoredNode struct {
	Node  *Node   `json:"node"`
	Score float64 `json:"score"`
}
