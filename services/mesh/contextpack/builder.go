// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextpack assembles task context packs: the core symbols a
// task touches (seeded from the query, expanded by graph walks and
// personalized PageRank), plus relevant decisions, learnings, episodes
// and blockers, trimmed deterministically to a token budget.
package contextpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

const (
	// maxSeeds bounds the lexical seed set.
	maxSeeds = 5

	// minSeedTokenLen is the shortest query token used for seeding.
	minSeedTokenLen = 3

	// pprMaxResults bounds the PageRank expansion.
	pprMaxResults = 60

	// maxCoreSymbols bounds the core symbol section.
	maxCoreSymbols = 8

	// snippetCap is the snippet length included per core symbol.
	snippetCap = 800

	// maxCallEdges bounds callers/callees listed per symbol.
	maxCallEdges = 5

	// maxEnrichItems bounds each enrichment section.
	maxEnrichItems = 10

	// trimmedSnippetCap is the snippet length after budget trimming.
	trimmedSnippetCap = 220

	// maxTrimIterations is a hard stop for the trim loop.
	maxTrimIterations = 200
)

// ErrNoSeeds indicates the query matched nothing in the graph.
var ErrNoSeeds = errors.New("no graph entities matched the query")

// Request describes one context pack build.
type Request struct {
	ProjectID string `json:"projectId"`
	Query     string `json:"query"`
	TaskID    string `json:"taskId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	// TokenBudget caps the pack size. Zero means no trimming.
	TokenBudget int `json:"tokenBudget,omitempty"`

	// Section toggles. Callers that want a symbols-only pack disable
	// the memory sections they do not need.
	IncludeDecisions bool `json:"includeDecisions,omitempty"`
	IncludeLearnings bool `json:"includeLearnings,omitempty"`
	IncludeEpisodes  bool `json:"includeEpisodes,omitempty"`
}

// CoreSymbol is one ranked symbol with its immediate call neighborhood.
type CoreSymbol struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Path      string   `json:"path,omitempty"`
	StartLine int      `json:"startLine,omitempty"`
	EndLine   int      `json:"endLine,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
	Score     float64  `json:"score"`
	Callers   []string `json:"callers,omitempty"`
	Callees   []string `json:"callees,omitempty"`
}

// Blocker is an active claim by another agent on a core symbol.
type Blocker struct {
	ElementID   string `json:"elementId"`
	ElementName string `json:"elementName,omitempty"`
	AgentID     string `json:"agentId"`
	Intent      string `json:"intent,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Pack is the assembled context pack.
type Pack struct {
	Query         string              `json:"query"`
	ProjectID     string              `json:"projectId"`
	CoreSymbols   []CoreSymbol        `json:"coreSymbols"`
	Decisions     []*episode.Episode  `json:"decisions,omitempty"`
	Learnings     []*episode.Learning `json:"learnings,omitempty"`
	Episodes      []*episode.Episode  `json:"episodes,omitempty"`
	Blockers      []Blocker           `json:"blockers,omitempty"`
	TokenEstimate int                 `json:"tokenEstimate"`
	Trimmed       bool                `json:"trimmed,omitempty"`
}

// Builder assembles context packs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Builder struct {
	store    graph.Store
	episodes *episode.Engine
	claims   *coordinate.Engine
	logger   *slog.Logger
}

// NewBuilder wires a pack builder. episodes and claims may be nil; the
// corresponding enrichment sections are then empty.
func NewBuilder(store graph.Store, episodes *episode.Engine, claims *coordinate.Engine, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, episodes: episodes, claims: claims, logger: logger}
}

// Build assembles a context pack for the query.
//
// # Description
//
// Seeds are source symbols scored by how many query tokens (three
// characters or more) their id, name or path contains; when no symbol
// matches, the first five symbols by id seed the walk so a pack is
// still produced. FEATURE and TASK seeds, and interface or abstract
// symbols, expand through IMPLEMENTED_BY edges to their
// implementations. Personalized PageRank ranks the seed neighborhood;
// the top FUNCTION, CLASS and FILE nodes become core symbols.
// Enrichment adds recent decisions, learnings, episodes and blocking
// claims, each section gated by its request toggle. When a token
// budget is set the pack is trimmed deterministically (core symbols,
// then decisions, learnings, episodes, then snippet truncation) until
// it fits.
func (b *Builder) Build(ctx context.Context, req Request) (*Pack, error) {
	seeds, err := b.seeds(ctx, req.ProjectID, req.Query)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSeeds, req.Query)
	}

	seeds = b.expandImplementedBy(ctx, req.ProjectID, seeds)

	ranked, err := graph.PersonalizedPageRank(ctx, b.store, req.ProjectID, seeds, pprMaxResults)
	if err != nil {
		return nil, fmt.Errorf("rank seeds: %w", err)
	}

	pack := &Pack{Query: req.Query, ProjectID: req.ProjectID}
	pack.CoreSymbols = b.coreSymbols(ctx, req.ProjectID, ranked)
	b.enrich(ctx, req, pack)

	pack.TokenEstimate = estimate(pack)
	if req.TokenBudget > 0 && pack.TokenEstimate > req.TokenBudget {
		b.trim(pack, req.TokenBudget)
	}
	return pack, nil
}

// seeds scores source symbols by query token containment.
//
// A symbol scores one point per query token its id, name or path
// contains, case-insensitively. The top scorers seed the walk; when
// nothing scores, the first maxSeeds symbols by id do, so a sparse
// graph still yields a pack.
func (b *Builder) seeds(ctx context.Context, projectID, query string) ([]string, error) {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) >= minSeedTokenLen {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	candidates, err := b.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFunction, graph.NodeClass, graph.NodeFile},
		LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	type scored struct {
		id    string
		score int
	}
	var hits []scored
	for _, n := range candidates {
		haystack := strings.ToLower(n.ID + " " + n.Name() + " " + n.Prop("path"))
		score := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{id: n.ID, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	var seeds []string
	if len(hits) > 0 {
		for _, h := range hits[:min(len(hits), maxSeeds)] {
			seeds = append(seeds, h.id)
		}
	} else {
		for _, n := range candidates[:min(len(candidates), maxSeeds)] {
			seeds = append(seeds, n.ID)
		}
	}

	// An exact reference in the query always seeds, even when token
	// scoring ranked it out.
	if res, err := graph.ResolveElement(ctx, b.store, projectID, query); err == nil {
		found := false
		for _, s := range seeds {
			if s == res.Node.ID {
				found = true
				break
			}
		}
		if !found {
			seeds = append([]string{res.Node.ID}, seeds...)
		}
	}
	return seeds, nil
}

// expandImplementedBy adds implementations of FEATURE/TASK seeds and
// of interface or abstract symbols.
func (b *Builder) expandImplementedBy(ctx context.Context, projectID string, seeds []string) []string {
	out := append([]string(nil), seeds...)
	for _, id := range seeds {
		n, err := b.store.GetLive(ctx, projectID, id)
		if err != nil {
			continue
		}
		kind := n.Prop("kind")
		if n.Type != graph.NodeFeature && n.Type != graph.NodeTask &&
			kind != "interface" && kind != "abstract" {
			continue
		}
		rels, err := b.store.RelationshipsFrom(ctx, projectID, id, graph.RelImplementedBy)
		if err != nil {
			continue
		}
		for _, r := range rels {
			out = append(out, r.To)
		}
	}
	return out
}

// coreSymbols selects and hydrates the top-ranked source symbols.
func (b *Builder) coreSymbols(ctx context.Context, projectID string, ranked []graph.ScoredNode) []CoreSymbol {
	var out []CoreSymbol
	for _, sn := range ranked {
		if len(out) == maxCoreSymbols {
			break
		}
		n := sn.Node
		switch n.Type {
		case graph.NodeFunction, graph.NodeClass, graph.NodeFile:
		default:
			continue
		}

		cs := CoreSymbol{
			ID:      n.ID,
			Name:    n.Name(),
			Kind:    string(n.Type),
			Path:    n.Prop("path"),
			Snippet: capString(n.Prop("snippet"), snippetCap),
			Score:   sn.Score,
		}
		if cs.Path == "" {
			cs.Path = b.containingPath(ctx, projectID, n.ID)
		}
		if line := int(n.PropInt("line")); line > 0 {
			cs.StartLine = line
			cs.EndLine = line
			if snippet := n.Prop("snippet"); snippet != "" {
				cs.EndLine = line + strings.Count(snippet, "\n")
			}
		}

		if in, err := b.store.RelationshipsTo(ctx, projectID, n.ID, graph.RelCalls); err == nil {
			for _, r := range in[:min(len(in), maxCallEdges)] {
				cs.Callers = append(cs.Callers, r.From)
			}
		}
		if outRels, err := b.store.RelationshipsFrom(ctx, projectID, n.ID, graph.RelCalls); err == nil {
			for _, r := range outRels[:min(len(outRels), maxCallEdges)] {
				cs.Callees = append(cs.Callees, r.To)
			}
		}
		out = append(out, cs)
	}
	return out
}

// containingPath walks incoming CONTAINS edges to the owning file.
func (b *Builder) containingPath(ctx context.Context, projectID, id string) string {
	for depth := 0; depth < 4; depth++ {
		rels, err := b.store.RelationshipsTo(ctx, projectID, id, graph.RelContains)
		if err != nil || len(rels) == 0 {
			return ""
		}
		parent, err := b.store.GetLive(ctx, projectID, rels[0].From)
		if err != nil {
			return ""
		}
		if p := parent.Prop("path"); p != "" {
			return p
		}
		id = parent.ID
	}
	return ""
}

// enrich fills the memory and coordination sections.
func (b *Builder) enrich(ctx context.Context, req Request, pack *Pack) {
	if b.episodes != nil {
		if req.IncludeDecisions {
			if decisions, err := b.episodes.DecisionQuery(ctx, req.ProjectID, req.Query, maxEnrichItems); err == nil {
				pack.Decisions = decisions
			} else {
				b.logger.Debug("decision enrichment failed", "error", err)
			}
		}
		if req.IncludeLearnings {
			if learnings, err := b.episodes.Learnings(ctx, req.ProjectID, maxEnrichItems); err == nil {
				pack.Learnings = learnings
			}
		}
		if req.IncludeEpisodes {
			if eps, err := b.episodes.Recall(ctx, req.ProjectID, episode.RecallQuery{
				Query:  req.Query,
				TaskID: req.TaskID,
				Limit:  maxEnrichItems,
			}); err == nil {
				pack.Episodes = eps
			}
		}
	}

	if b.claims != nil {
		core := map[string]string{}
		for _, cs := range pack.CoreSymbols {
			core[cs.ID] = cs.Name
		}
		if ov, err := b.claims.GetOverview(ctx, req.ProjectID); err == nil {
			for _, c := range ov.ActiveClaims {
				if c.AgentID == req.AgentID {
					continue
				}
				if _, hit := core[c.ElementID]; !hit {
					continue
				}
				pack.Blockers = append(pack.Blockers, Blocker{
					ElementID:   c.ElementID,
					ElementName: c.ElementName,
					AgentID:     c.AgentID,
					Intent:      c.Intent,
					Reason:      c.Reason,
				})
			}
		}
		sort.Slice(pack.Blockers, func(i, j int) bool {
			return pack.Blockers[i].ElementID < pack.Blockers[j].ElementID
		})
	}
}

// trim shrinks the pack to the budget in a fixed order so identical
// inputs always produce identical packs.
func (b *Builder) trim(pack *Pack, budget int) {
	pack.Trimmed = true
	for i := 0; i < maxTrimIterations && pack.TokenEstimate > budget; i++ {
		switch {
		case len(pack.CoreSymbols) > 1:
			pack.CoreSymbols = pack.CoreSymbols[:len(pack.CoreSymbols)-1]
		case len(pack.Decisions) > 2:
			pack.Decisions = pack.Decisions[:len(pack.Decisions)-1]
		case len(pack.Learnings) > 2:
			pack.Learnings = pack.Learnings[:len(pack.Learnings)-1]
		case len(pack.Episodes) > 2:
			pack.Episodes = pack.Episodes[:len(pack.Episodes)-1]
		default:
			shortened := false
			for j := range pack.CoreSymbols {
				if len(pack.CoreSymbols[j].Snippet) > trimmedSnippetCap {
					pack.CoreSymbols[j].Snippet = capString(pack.CoreSymbols[j].Snippet, trimmedSnippetCap-3) + "…"
					shortened = true
					break
				}
			}
			if !shortened {
				// Nothing left to cut.
				pack.TokenEstimate = estimate(pack)
				return
			}
		}
		pack.TokenEstimate = estimate(pack)
	}
}

// estimate approximates the pack's token count (4 chars per token).
func estimate(pack *Pack) int {
	chars := len(pack.Query)
	for _, cs := range pack.CoreSymbols {
		chars += len(cs.ID) + len(cs.Name) + len(cs.Path) + len(cs.Snippet)
		for _, c := range cs.Callers {
			chars += len(c)
		}
		for _, c := range cs.Callees {
			chars += len(c)
		}
	}
	for _, d := range pack.Decisions {
		chars += len(d.Content) + len(d.Outcome)
	}
	for _, l := range pack.Learnings {
		chars += len(l.Content)
	}
	for _, e := range pack.Episodes {
		chars += len(e.Content)
	}
	for _, bl := range pack.Blockers {
		chars += len(bl.ElementID) + len(bl.AgentID) + len(bl.Reason)
	}
	return chars / 4
}

// capString truncates to at most max bytes without splitting a rune.
func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
