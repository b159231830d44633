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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	meshbadger "github.com/AleutianAI/AleutianMesh/services/mesh/storage/badger"
)

// EmbeddedStore is the local-first Store implementation: an in-memory
// index with optional BadgerDB write-through persistence.
//
// # Description
//
// All reads are served from memory. Writes update the in-memory index
// first, then persist the affected row to Badger (when a database is
// configured). On open, the index is rebuilt by scanning all persisted
// rows, so restarts lose only process-local state (embedding readiness,
// the build-error ledger) as the data model requires.
//
// # Thread Safety
//
// Safe for concurrent use. A single RWMutex guards the index; Badger
// handles its own transaction isolation.
type EmbeddedStore struct {
	mu       sync.RWMutex
	db       *badgerdb.DB // nil in pure in-memory mode
	closed   bool
	logger   *slog.Logger
	projects map[string]*projectData
}

// projectData is the per-project in-memory index.
type projectData struct {
	rows    []*Node        // append-only row history, persisted by index
	live    map[string]int // node id -> index into rows of the live row
	rels    []*Relationship
	out     map[string][]*Relationship
	in      map[string][]*Relationship
	txs     []*Tx
	lexical *bm25Index // nil until EnsureLexicalIndex
}

// EmbeddedOptions configures an EmbeddedStore.
type EmbeddedOptions struct {
	// Path is the BadgerDB directory. Empty means pure in-memory
	// (nothing survives Close).
	Path string

	// Logger for store operations. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewEmbeddedStore opens the store and rebuilds the in-memory index from
// any persisted rows.
func NewEmbeddedStore(opts EmbeddedOptions) (*EmbeddedStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &EmbeddedStore{
		logger:   logger,
		projects: make(map[string]*projectData),
	}

	if opts.Path != "" {
		cfg := meshbadger.DefaultConfig()
		cfg.Path = opts.Path
		cfg.Logger = logger
		db, err := meshbadger.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open graph store: %w", err)
		}
		s.db = db
		if err := s.loadAll(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("rebuild graph index: %w", err)
		}
	}

	return s, nil
}

func (s *EmbeddedStore) project(id string) *projectData {
	p, ok := s.projects[id]
	if !ok {
		p = &projectData{
			live: make(map[string]int),
			out:  make(map[string][]*Relationship),
			in:   make(map[string][]*Relationship),
		}
		s.projects[id] = p
	}
	return p
}

// Connected reports true while the store is open.
func (s *EmbeddedStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close flushes and closes the backing database.
func (s *EmbeddedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Nodes
// =============================================================================

// UpsertNode ends any live row for (node.ID, node.ProjectID) and inserts
// the new row as live.
func (s *EmbeddedStore) UpsertNode(ctx context.Context, node *Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node.ID == "" || node.ProjectID == "" {
		return fmt.Errorf("upsert node: id and projectId are required")
	}
	if node.ValidFrom == 0 {
		node.ValidFrom = NowMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	p := s.project(node.ProjectID)
	if idx, ok := p.live[node.ID]; ok {
		prev := p.rows[idx]
		end := node.ValidFrom
		prev.ValidTo = &end
		if err := s.persistNode(node.ProjectID, idx, prev); err != nil {
			return err
		}
	}
	p.rows = append(p.rows, node)
	p.live[node.ID] = len(p.rows) - 1
	p.lexical = nil // names changed; index is stale
	return s.persistNode(node.ProjectID, len(p.rows)-1, node)
}

// EndNode closes the live row for (id, projectID) at the given instant.
func (s *EmbeddedStore) EndNode(ctx context.Context, projectID, id string, at int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	p := s.project(projectID)
	idx, ok := p.live[id]
	if !ok {
		return ErrNodeNotFound
	}
	row := p.rows[idx]
	row.ValidTo = &at
	delete(p.live, id)
	p.lexical = nil
	return s.persistNode(projectID, idx, row)
}

// GetLive returns the live row for (id, projectID).
func (s *EmbeddedStore) GetLive(ctx context.Context, projectID, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	idx, ok := p.live[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return p.rows[idx], nil
}

// Nodes returns rows for a project matching the filter.
func (s *EmbeddedStore) Nodes(ctx context.Context, projectID string, f NodeFilter) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}

	typeSet := toTypeSet(f.Types)
	var result []*Node
	for _, row := range p.rows {
		if typeSet != nil && !typeSet[row.Type] {
			continue
		}
		if f.LiveOnly && !row.Live() {
			continue
		}
		if f.AsOf > 0 {
			if row.ValidFrom > f.AsOf {
				continue
			}
			if row.ValidTo != nil && *row.ValidTo <= f.AsOf {
				continue
			}
		}
		result = append(result, row)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

// AddedSince returns rows with validFrom >= sinceTs, newest first.
func (s *EmbeddedStore) AddedSince(ctx context.Context, projectID string, types []NodeType, sinceTs int64, limit int) ([]*Node, error) {
	return s.scanSince(ctx, projectID, types, limit, func(row *Node) bool {
		return row.ValidFrom >= sinceTs
	}, func(row *Node) int64 { return row.ValidFrom })
}

// RemovedSince returns rows with validTo >= sinceTs, newest first.
func (s *EmbeddedStore) RemovedSince(ctx context.Context, projectID string, types []NodeType, sinceTs int64, limit int) ([]*Node, error) {
	return s.scanSince(ctx, projectID, types, limit, func(row *Node) bool {
		return row.ValidTo != nil && *row.ValidTo >= sinceTs
	}, func(row *Node) int64 {
		if row.ValidTo == nil {
			return 0
		}
		return *row.ValidTo
	})
}

func (s *EmbeddedStore) scanSince(ctx context.Context, projectID string, types []NodeType, limit int, match func(*Node) bool, sortKey func(*Node) int64) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}

	typeSet := toTypeSet(types)
	var result []*Node
	for _, row := range p.rows {
		if typeSet != nil && !typeSet[row.Type] {
			continue
		}
		if match(row) {
			result = append(result, row)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return sortKey(result[i]) > sortKey(result[j])
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func toTypeSet(types []NodeType) map[NodeType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[NodeType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// =============================================================================
// Relationships
// =============================================================================

// AddRelationship inserts an edge.
func (s *EmbeddedStore) AddRelationship(ctx context.Context, rel *Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rel.From == "" || rel.To == "" || rel.ProjectID == "" {
		return fmt.Errorf("add relationship: from, to and projectId are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	p := s.project(rel.ProjectID)
	p.rels = append(p.rels, rel)
	p.out[rel.From] = append(p.out[rel.From], rel)
	p.in[rel.To] = append(p.in[rel.To], rel)
	return s.persistRel(rel.ProjectID, len(p.rels)-1, rel)
}

// RelationshipsFrom returns outgoing edges of the given types.
func (s *EmbeddedStore) RelationshipsFrom(ctx context.Context, projectID, fromID string, types ...RelType) ([]*Relationship, error) {
	return s.adjacent(ctx, projectID, fromID, types, true)
}

// RelationshipsTo returns incoming edges of the given types.
func (s *EmbeddedStore) RelationshipsTo(ctx context.Context, projectID, toID string, types ...RelType) ([]*Relationship, error) {
	return s.adjacent(ctx, projectID, toID, types, false)
}

func (s *EmbeddedStore) adjacent(ctx context.Context, projectID, id string, types []RelType, outgoing bool) ([]*Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}

	var edges []*Relationship
	if outgoing {
		edges = p.out[id]
	} else {
		edges = p.in[id]
	}
	if len(types) == 0 {
		return append([]*Relationship(nil), edges...), nil
	}

	typeSet := make(map[RelType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	var result []*Relationship
	for _, e := range edges {
		if typeSet[e.Type] {
			result = append(result, e)
		}
	}
	return result, nil
}

// =============================================================================
// Transactions
// =============================================================================

// AppendTx appends a rebuild transaction record.
func (s *EmbeddedStore) AppendTx(ctx context.Context, tx *Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.ID == "" || tx.ProjectID == "" {
		return fmt.Errorf("append tx: id and projectId are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	p := s.project(tx.ProjectID)
	p.txs = append(p.txs, tx)
	return s.persistTx(tx.ProjectID, len(p.txs)-1, tx)
}

// TxsSince returns transactions with timestamp >= sinceTs, oldest first.
func (s *EmbeddedStore) TxsSince(ctx context.Context, projectID string, sinceTs int64) ([]*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	var result []*Tx
	for _, tx := range p.txs {
		if tx.Timestamp >= sinceTs {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result, nil
}

// FindTx locates a transaction by property ("id", "gitCommit", "agentId").
// When several match, the most recent wins.
func (s *EmbeddedStore) FindTx(ctx context.Context, projectID, property, value string) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	var best *Tx
	for _, tx := range p.txs {
		var field string
		switch property {
		case "id":
			field = tx.ID
		case "gitCommit":
			field = tx.GitCommit
		case "agentId":
			field = tx.AgentID
		default:
			return nil, fmt.Errorf("find tx: unknown property %q", property)
		}
		if field != value {
			continue
		}
		if best == nil || tx.Timestamp > best.Timestamp {
			best = tx
		}
	}
	if best == nil {
		return nil, ErrNodeNotFound
	}
	return best, nil
}

// =============================================================================
// Queries and counts
// =============================================================================

// RunQuery is unsupported on the embedded backend; raw graph-language
// queries require an external graph database.
func (s *EmbeddedStore) RunQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return nil, ErrQueryUnsupported
}

// Counts reports store totals for the project.
func (s *EmbeddedStore) Counts(ctx context.Context, projectID string) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Counts{}, ErrStoreClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return Counts{}, nil
	}

	c := Counts{Relationships: len(p.rels)}
	for _, idx := range p.live {
		c.Nodes++
		switch p.rows[idx].Type {
		case NodeFile:
			c.Files++
		case NodeFunction:
			c.Functions++
		case NodeClass:
			c.Classes++
		}
	}
	return c, nil
}

// =============================================================================
// Lexical index
// =============================================================================

// EnsureLexicalIndex builds the BM25 symbol-name index when missing or
// stale. Idempotent.
func (s *EmbeddedStore) EnsureLexicalIndex(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	p := s.project(projectID)
	if p.lexical != nil {
		return nil
	}
	idx := newBM25Index()
	for id, rowIdx := range p.live {
		row := p.rows[rowIdx]
		switch row.Type {
		case NodeFile, NodeFunction, NodeClass:
			idx.Add(id, row.Name()+" "+row.Prop("path"))
		}
	}
	idx.Finalize()
	p.lexical = idx
	return nil
}

// LexicalSearch ranks live symbol nodes against the query using BM25.
// The index is built on demand.
func (s *EmbeddedStore) LexicalSearch(ctx context.Context, projectID, query string, limit int) ([]ScoredNode, error) {
	if err := s.EnsureLexicalIndex(ctx, projectID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	p := s.projects[projectID]
	hits := p.lexical.Search(query, limit)
	result := make([]ScoredNode, 0, len(hits))
	for _, h := range hits {
		idx, ok := p.live[h.ID]
		if !ok {
			continue
		}
		result = append(result, ScoredNode{Node: p.rows[idx], Score: h.Score})
	}
	return result, nil
}

// =============================================================================
// Persistence
// =============================================================================

const (
	keyNodePrefix = "n|"
	keyRelPrefix  = "r|"
	keyTxPrefix   = "t|"
)

func rowKey(prefix, projectID string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s|%012d", prefix, projectID, idx))
}

func (s *EmbeddedStore) persistNode(projectID string, idx int, row *Node) error {
	return s.persist(rowKey(keyNodePrefix, projectID, idx), row)
}

func (s *EmbeddedStore) persistRel(projectID string, idx int, rel *Relationship) error {
	return s.persist(rowKey(keyRelPrefix, projectID, idx), rel)
}

func (s *EmbeddedStore) persistTx(projectID string, idx int, tx *Tx) error {
	return s.persist(rowKey(keyTxPrefix, projectID, idx), tx)
}

func (s *EmbeddedStore) persist(key []byte, v any) error {
	if s.db == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal graph row: %w", err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, raw)
	})
}

// loadAll rebuilds the in-memory index from persisted rows. Keys encode
// the original append order, and Badger iterates in key order, so the
// index comes back in write order.
func (s *EmbeddedStore) loadAll() error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				return s.loadRow(key, val)
			})
			if err != nil {
				return fmt.Errorf("load row %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *EmbeddedStore) loadRow(key string, val []byte) error {
	switch {
	case strings.HasPrefix(key, keyNodePrefix):
		var n Node
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		p := s.project(n.ProjectID)
		p.rows = append(p.rows, &n)
		if n.Live() {
			p.live[n.ID] = len(p.rows) - 1
		} else {
			// A later live version may already be indexed under this id;
			// only clear if this row is the indexed one.
			if idx, ok := p.live[n.ID]; ok && p.rows[idx] == &n {
				delete(p.live, n.ID)
			}
		}
	case strings.HasPrefix(key, keyRelPrefix):
		var r Relationship
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		p := s.project(r.ProjectID)
		p.rels = append(p.rels, &r)
		p.out[r.From] = append(p.out[r.From], &r)
		p.in[r.To] = append(p.in[r.To], &r)
	case strings.HasPrefix(key, keyTxPrefix):
		var t Tx
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		p := s.project(t.ProjectID)
		p.txs = append(p.txs, &t)
	default:
		s.logger.Warn("skipping unknown graph store key", "key", key)
	}
	return nil
}
