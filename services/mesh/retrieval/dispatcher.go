// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval dispatches queries across the retrieval modes:
// local (symbol-level, vector plus lexical), global (community-level)
// and hybrid (both sections).
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/vector"
)

// Scope selects the retrieval mode.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGlobal Scope = "global"
	ScopeHybrid Scope = "hybrid"
)

// minKeywordLen is the shortest query token used for community
// matching. Shorter tokens match too much to be useful.
const minKeywordLen = 4

// defaultLimit bounds result sections when the caller passes none.
const defaultLimit = 10

// Options tunes one retrieval call.
type Options struct {
	Scope Scope `json:"scope,omitempty"`
	Limit int   `json:"limit,omitempty"`
	// AsOf restricts local results to symbols valid at this instant
	// (epoch ms). Zero means now.
	AsOf int64 `json:"asOf,omitempty"`
}

// LocalHit is one symbol-level result.
type LocalHit struct {
	EntityID string  `json:"entityId"`
	Name     string  `json:"name"`
	Path     string  `json:"path,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score"`
	// Source is "semantic" or "lexical".
	Source string `json:"source"`
}

// GlobalHit is one community-level result.
type GlobalHit struct {
	CommunityID string  `json:"communityId"`
	Label       string  `json:"label"`
	Summary     string  `json:"summary,omitempty"`
	MemberCount int     `json:"memberCount"`
	Score       float64 `json:"score"`
}

// Response is the dispatch result. Hybrid responses carry both
// sections; single-scope responses leave the other nil.
type Response struct {
	Scope  Scope       `json:"scope"`
	Local  []LocalHit  `json:"local,omitempty"`
	Global []GlobalHit `json:"global,omitempty"`
	// Degraded is set when semantic search was unavailable and local
	// results are lexical-only.
	Degraded bool `json:"degraded,omitempty"`
}

// SemanticSearcher is the vector layer surface the dispatcher needs.
type SemanticSearcher interface {
	SemanticSearch(ctx context.Context, projectID, query string, limit int, asOf int64) ([]vector.Hit, error)
}

// Dispatcher routes queries to the retrieval backends.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	store    graph.Store
	semantic SemanticSearcher
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. semantic may be nil; local
// retrieval is then lexical-only and flagged degraded.
func NewDispatcher(store graph.Store, semantic SemanticSearcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, semantic: semantic, logger: logger}
}

// Query runs one retrieval call. Unrecognized scope values coerce to
// local, so callers with a typo still get results instead of an error.
func (d *Dispatcher) Query(ctx context.Context, projectID, query string, opts Options) (*Response, error) {
	switch opts.Scope {
	case ScopeLocal, ScopeGlobal, ScopeHybrid:
	default:
		if opts.Scope != "" {
			d.logger.Debug("unknown retrieval scope coerced to local",
				"scope", string(opts.Scope), "project_id", projectID)
		}
		opts.Scope = ScopeLocal
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}

	resp := &Response{Scope: opts.Scope}
	switch opts.Scope {
	case ScopeLocal:
		local, degraded, err := d.local(ctx, projectID, query, opts)
		if err != nil {
			return nil, err
		}
		resp.Local, resp.Degraded = local, degraded
	case ScopeGlobal:
		global, err := d.global(ctx, projectID, query, opts.Limit)
		if err != nil {
			return nil, err
		}
		resp.Global = global
	case ScopeHybrid:
		local, degraded, err := d.local(ctx, projectID, query, opts)
		if err != nil {
			return nil, err
		}
		global, err := d.global(ctx, projectID, query, opts.Limit)
		if err != nil {
			return nil, err
		}
		resp.Local, resp.Global, resp.Degraded = local, global, degraded
	}
	return resp, nil
}

// local merges semantic and lexical hits, semantic first. Lexical
// fills remaining slots with entities the semantic pass missed.
func (d *Dispatcher) local(ctx context.Context, projectID, query string, opts Options) ([]LocalHit, bool, error) {
	var hits []LocalHit
	seen := map[string]bool{}
	degraded := false

	if d.semantic != nil {
		semHits, err := d.semantic.SemanticSearch(ctx, projectID, query, opts.Limit, opts.AsOf)
		switch {
		case err == nil:
			for _, h := range semHits {
				hits = append(hits, LocalHit{
					EntityID: h.EntityID, Name: h.Name, Path: h.Path,
					Kind: h.Kind, Snippet: h.Snippet, Score: h.Score,
					Source: "semantic",
				})
				seen[h.EntityID] = true
			}
		case errors.Is(err, vector.ErrEmbeddingsNotReady), errors.Is(err, vector.ErrUnavailable):
			degraded = true
			d.logger.Debug("semantic search degraded", "project_id", projectID, "error", err)
		default:
			return nil, false, err
		}
	} else {
		degraded = true
	}

	lexHits, err := d.store.LexicalSearch(ctx, projectID, query, opts.Limit)
	if err != nil {
		// Semantic-only results still count when lexical breaks.
		if len(hits) > 0 {
			d.logger.Warn("lexical search failed", "project_id", projectID, "error", err)
			return hits, degraded, nil
		}
		return nil, false, err
	}
	for _, h := range lexHits {
		if seen[h.Node.ID] {
			continue
		}
		lh := LocalHit{
			EntityID: h.Node.ID,
			Name:     h.Node.Name(),
			Path:     h.Node.Prop("path"),
			Kind:     string(h.Node.Type),
			Snippet:  h.Node.Prop("snippet"),
			Score:    h.Score,
			Source:   "lexical",
		}
		if opts.AsOf > 0 && h.Node.ValidFrom > opts.AsOf {
			continue
		}
		hits = append(hits, lh)
	}
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, degraded, nil
}

// global ranks communities against the query keywords.
//
// Query tokens of at least four characters are matched against each
// community's label and summary vocabulary. When nothing matches, the
// largest communities are returned so the caller always gets a map of
// the codebase.
func (d *Dispatcher) global(ctx context.Context, projectID, query string, limit int) ([]GlobalHit, error) {
	nodes, err := d.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeCommunity},
		LiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load communities: %w", err)
	}

	keywords := keywordHints(query)
	hits := make([]GlobalHit, 0, len(nodes))
	for _, n := range nodes {
		h := GlobalHit{
			CommunityID: n.ID,
			Label:       n.Prop("label"),
			Summary:     n.Prop("summary"),
			MemberCount: int(n.PropInt("memberCount")),
		}
		if len(keywords) > 0 {
			vocab := labelHints(h.Label, h.Summary)
			matched := 0
			for _, kw := range keywords {
				if vocab[kw] {
					matched++
				}
			}
			h.Score = float64(matched) / float64(len(keywords))
		}
		hits = append(hits, h)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].MemberCount != hits[j].MemberCount {
			return hits[i].MemberCount > hits[j].MemberCount
		}
		return hits[i].CommunityID < hits[j].CommunityID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// keywordHints extracts matchable tokens from the query.
func keywordHints(query string) []string {
	var out []string
	for _, tok := range splitTokens(query) {
		if len(tok) >= minKeywordLen {
			out = append(out, tok)
		}
	}
	return out
}

// labelHints builds the community's match vocabulary.
func labelHints(label, summary string) map[string]bool {
	vocab := map[string]bool{}
	for _, tok := range splitTokens(label + " " + summary) {
		vocab[tok] = true
	}
	return vocab
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
