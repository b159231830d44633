// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episode

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// EntitySearcher finds graph entity ids semantically related to a free
// text query. The vector subsystem provides the production
// implementation; a nil searcher degrades recall to lexical scoring.
type EntitySearcher interface {
	SearchEntityIDs(ctx context.Context, projectID, query string, topK int) ([]string, error)
}

// Summarizer condenses episode text into a learning statement. A nil
// summarizer falls back to extractive summarization.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

const (
	defaultRecallLimit = 10
	maxRecallLimit     = 50

	// reflectWindow is how many most-recent episodes a reflection
	// considers.
	reflectWindow = 25

	// entityHintTopK bounds the vector-augmented entity hint lookup.
	entityHintTopK = 8
)

// Engine persists and recalls episodes against the graph store.
//
// # Thread Safety
//
// Stateless beyond its collaborators; safe for concurrent use.
type Engine struct {
	store      graph.Store
	searcher   EntitySearcher
	summarizer Summarizer
	logger     *slog.Logger
}

// NewEngine wires an episode engine. searcher and summarizer may be nil.
func NewEngine(store graph.Store, searcher EntitySearcher, summarizer Summarizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, searcher: searcher, summarizer: summarizer, logger: logger}
}

// Add validates and persists an episode, linking it to its entities
// with INVOLVES edges.
//
// # Outputs
//
//   - string: the assigned episode id.
//   - error: validation errors or store failures.
func (e *Engine) Add(ctx context.Context, ep *Episode) (string, error) {
	if err := ep.Validate(); err != nil {
		return "", err
	}
	if ep.ID == "" {
		ep.ID = "ep-" + uuid.NewString()
	}
	if ep.Timestamp == 0 {
		ep.Timestamp = graph.NowMilli()
	}

	props := map[string]any{
		"episodeType": string(ep.Type),
		"content":     ep.Content,
		"agentId":     ep.AgentID,
		"timestamp":   ep.Timestamp,
	}
	if ep.TaskID != "" {
		props["taskId"] = ep.TaskID
	}
	if ep.Outcome != "" {
		props["outcome"] = ep.Outcome
	}
	if ep.SessionID != "" {
		props["sessionId"] = ep.SessionID
	}
	if ep.Sensitive {
		props["sensitive"] = true
	}
	if len(ep.Entities) > 0 {
		props["entities"] = ep.Entities
	}
	for k, v := range ep.Metadata {
		props["meta."+k] = v
	}

	node := &graph.Node{
		ID:         ep.ID,
		ProjectID:  ep.ProjectID,
		Type:       graph.NodeEpisode,
		Properties: props,
		ValidFrom:  ep.Timestamp,
	}
	if err := e.store.UpsertNode(ctx, node); err != nil {
		return "", fmt.Errorf("persist episode: %w", err)
	}

	for _, entity := range ep.Entities {
		rel := &graph.Relationship{
			ID:        uuid.NewString(),
			ProjectID: ep.ProjectID,
			From:      ep.ID,
			To:        entity,
			Type:      graph.RelInvolves,
		}
		if err := e.store.AddRelationship(ctx, rel); err != nil {
			e.logger.Warn("failed to link episode entity",
				"episode_id", ep.ID, "entity", entity, "error", err)
		}
	}

	e.logger.Debug("episode recorded",
		"episode_id", ep.ID, "type", ep.Type, "project_id", ep.ProjectID)
	return ep.ID, nil
}

// Recall returns episodes ranked by lexical similarity to the query
// blended with recency. When a vector searcher is wired, entity ids
// semantically near the query boost episodes that involve them.
func (e *Engine) Recall(ctx context.Context, projectID string, q RecallQuery) ([]*Episode, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	if limit > maxRecallLimit {
		limit = maxRecallLimit
	}

	nodes, err := e.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeEpisode},
		LiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}

	typeSet := make(map[Type]bool, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = true
	}
	entitySet := make(map[string]bool, len(q.Entities))
	for _, en := range q.Entities {
		entitySet[en] = true
	}

	hintSet := map[string]bool{}
	if e.searcher != nil && q.Query != "" {
		ids, serr := e.searcher.SearchEntityIDs(ctx, projectID, q.Query, entityHintTopK)
		if serr != nil {
			e.logger.Debug("entity hint lookup failed", "error", serr)
		}
		for _, id := range ids {
			hintSet[id] = true
		}
	}

	queryTokens := tokenize(q.Query)
	now := graph.NowMilli()

	type scored struct {
		ep    *Episode
		score float64
	}
	var matches []scored
	for _, n := range nodes {
		ep := fromNode(n)
		if q.AgentID != "" && ep.AgentID != q.AgentID {
			continue
		}
		if q.TaskID != "" && ep.TaskID != q.TaskID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[ep.Type] {
			continue
		}
		if q.Since > 0 && ep.Timestamp < q.Since {
			continue
		}
		if len(entitySet) > 0 && !intersects(ep.Entities, entitySet) {
			continue
		}

		score := recencyScore(ep.Timestamp, now)
		if len(queryTokens) > 0 {
			score = 0.3*score + 0.6*overlapScore(queryTokens, tokenize(ep.Content))
			if intersects(ep.Entities, hintSet) {
				score += 0.1
			}
		}
		matches = append(matches, scored{ep: ep, score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].ep.Timestamp > matches[j].ep.Timestamp
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*Episode, len(matches))
	for i, m := range matches {
		out[i] = m.ep
	}
	return out, nil
}

// DecisionQuery recalls DECISION episodes matching the query.
func (e *Engine) DecisionQuery(ctx context.Context, projectID, query string, limit int) ([]*Episode, error) {
	return e.Recall(ctx, projectID, RecallQuery{
		Query: query,
		Types: []Type{TypeDecision},
		Limit: limit,
	})
}

// Reflect distills the agent's recent episodes into LEARNING nodes and
// records a REFLECTION episode pointing at them.
//
// # Description
//
// Considers the most recent episodes for the agent (optionally scoped
// to a task). Failure and error episodes dominate the prompt since they
// carry the lessons. Each learning gets APPLIES_TO edges to the
// entities the source episodes involved.
//
// # Outputs
//
//   - *ReflectResult: the reflection episode id and learning count.
//   - error: ErrNotFound when the agent has no episodes to reflect on.
func (e *Engine) Reflect(ctx context.Context, projectID, agentID, taskID string) (*ReflectResult, error) {
	eps, err := e.Recall(ctx, projectID, RecallQuery{
		AgentID: agentID,
		TaskID:  taskID,
		Limit:   reflectWindow,
	})
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: nothing to reflect on for agent %q", ErrNotFound, agentID)
	}

	content := e.distill(ctx, eps)
	now := graph.NowMilli()

	entitySet := map[string]bool{}
	for _, ep := range eps {
		for _, en := range ep.Entities {
			entitySet[en] = true
		}
	}
	entities := make([]string, 0, len(entitySet))
	for en := range entitySet {
		entities = append(entities, en)
	}
	sort.Strings(entities)

	learningID := "learning-" + uuid.NewString()
	learning := &graph.Node{
		ID:        learningID,
		ProjectID: projectID,
		Type:      graph.NodeLearning,
		Properties: map[string]any{
			"content":    content,
			"confidence": reflectConfidence(eps),
			"agentId":    agentID,
			"taskId":     taskID,
			"createdAt":  now,
		},
		ValidFrom: now,
	}
	if err := e.store.UpsertNode(ctx, learning); err != nil {
		return nil, fmt.Errorf("persist learning: %w", err)
	}
	for _, en := range entities {
		rel := &graph.Relationship{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			From:      learningID,
			To:        en,
			Type:      graph.RelAppliesTo,
		}
		if err := e.store.AddRelationship(ctx, rel); err != nil {
			e.logger.Warn("failed to link learning entity",
				"learning_id", learningID, "entity", en, "error", err)
		}
	}

	reflectionID, err := e.Add(ctx, &Episode{
		ProjectID: projectID,
		Type:      TypeReflection,
		Content:   content,
		AgentID:   agentID,
		TaskID:    taskID,
		Entities:  entities,
		Metadata:  map[string]any{"learningId": learningID},
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("reflection complete",
		"agent_id", agentID, "project_id", projectID,
		"episodes", len(eps), "learning_id", learningID)
	return &ReflectResult{ReflectionID: reflectionID, LearningsCreated: 1}, nil
}

// Learnings returns live LEARNING nodes for the project, newest first.
func (e *Engine) Learnings(ctx context.Context, projectID string, limit int) ([]*Learning, error) {
	nodes, err := e.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeLearning},
		LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ValidFrom > nodes[j].ValidFrom })
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	out := make([]*Learning, 0, len(nodes))
	for _, n := range nodes {
		conf, _ := n.Properties["confidence"].(float64)
		l := &Learning{
			ID:         n.ID,
			ProjectID:  n.ProjectID,
			Content:    n.Prop("content"),
			Confidence: conf,
			TaskID:     n.Prop("taskId"),
			AgentID:    n.Prop("agentId"),
			CreatedAt:  n.PropInt("createdAt"),
		}
		rels, rerr := e.store.RelationshipsFrom(ctx, projectID, n.ID, graph.RelAppliesTo)
		if rerr == nil {
			for _, r := range rels {
				l.AppliesTo = append(l.AppliesTo, r.To)
			}
		}
		out = append(out, l)
	}
	return out, nil
}

// distill builds the learning content, preferring the wired summarizer.
func (e *Engine) distill(ctx context.Context, eps []*Episode) string {
	var b strings.Builder
	for _, ep := range eps {
		if ep.Sensitive {
			continue
		}
		fmt.Fprintf(&b, "[%s", ep.Type)
		if ep.Outcome != "" {
			fmt.Fprintf(&b, "/%s", ep.Outcome)
		}
		fmt.Fprintf(&b, "] %s\n", ep.Content)
	}
	transcript := b.String()

	if e.summarizer != nil {
		summary, err := e.summarizer.Summarize(ctx,
			"Distill one actionable engineering lesson from these agent episodes:\n"+transcript)
		if err == nil && summary != "" {
			return strings.TrimSpace(summary)
		}
		e.logger.Debug("summarizer unavailable, using extractive fallback", "error", err)
	}

	// Extractive fallback: failures first, then the newest episode.
	for _, ep := range eps {
		if ep.Outcome == "failure" || ep.Type == TypeError {
			return "Avoid repeating: " + ep.Content
		}
	}
	return "Observed pattern: " + eps[0].Content
}

// reflectConfidence is higher when outcomes are consistent.
func reflectConfidence(eps []*Episode) float64 {
	if len(eps) == 0 {
		return 0
	}
	outcomes := map[string]int{}
	total := 0
	for _, ep := range eps {
		if ep.Outcome != "" {
			outcomes[ep.Outcome]++
			total++
		}
	}
	if total == 0 {
		return 0.5
	}
	best := 0
	for _, n := range outcomes {
		if n > best {
			best = n
		}
	}
	return 0.4 + 0.6*float64(best)/float64(total)
}

// fromNode reconstructs an Episode from its graph row.
func fromNode(n *graph.Node) *Episode {
	ep := &Episode{
		ID:        n.ID,
		ProjectID: n.ProjectID,
		Type:      Type(n.Prop("episodeType")),
		Content:   n.Prop("content"),
		TaskID:    n.Prop("taskId"),
		Outcome:   n.Prop("outcome"),
		AgentID:   n.Prop("agentId"),
		SessionID: n.Prop("sessionId"),
		Timestamp: n.PropInt("timestamp"),
	}
	if v, ok := n.Properties["sensitive"].(bool); ok {
		ep.Sensitive = v
	}
	switch v := n.Properties["entities"].(type) {
	case []string:
		ep.Entities = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				ep.Entities = append(ep.Entities, s)
			}
		}
	}
	for k, val := range n.Properties {
		if rest, ok := strings.CutPrefix(k, "meta."); ok {
			if ep.Metadata == nil {
				ep.Metadata = map[string]any{}
			}
			ep.Metadata[rest] = val
		}
	}
	return ep
}

// tokenize lowercases and splits on non-alphanumerics.
func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

func overlapScore(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if doc[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func intersects(items []string, set map[string]bool) bool {
	for _, it := range items {
		if set[it] {
			return true
		}
	}
	return false
}

// recencyScore decays linearly over 30 days.
func recencyScore(ts, now int64) float64 {
	const window = int64(30 * 24 * 3600 * 1000)
	age := now - ts
	if age <= 0 {
		return 1
	}
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}
