// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
)

const categoryMemory = "memory"

// memoryTools builds the episode-protocol tool entries.
func memoryTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "episode_add",
			Category: categoryMemory,
			InputShape: map[string]string{
				"type": "string", "content": "string", "entities": "[]string?",
				"taskId": "string?", "outcome": "string?", "metadata": "map?",
				"sensitive": "bool?",
			},
			Run: b.episodeAdd,
		},
		{
			Name:     "episode_recall",
			Category: categoryMemory,
			InputShape: map[string]string{
				"query": "string?", "agentId": "string?", "taskId": "string?",
				"types": "[]string?", "entities": "[]string?", "since": "string?",
				"limit": "int?",
			},
			Run: b.episodeRecall,
		},
		{
			Name:     "decision_query",
			Category: categoryMemory,
			InputShape: map[string]string{
				"query": "string", "limit": "int?",
			},
			Run: b.decisionQuery,
		},
		{
			Name:     "reflect",
			Category: categoryMemory,
			InputShape: map[string]string{
				"agentId": "string?", "taskId": "string?",
			},
			Run: b.reflect,
		},
	}
}

// recallInvolving builds the recall query code_explain uses to surface
// decisions touching one entity.
func recallInvolving(entityID string) episode.RecallQuery {
	return episode.RecallQuery{
		Types:    []episode.Type{episode.TypeDecision},
		Entities: []string{entityID},
		Limit:    5,
	}
}

func (b *Bridge) episodeAdd(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	ep := &episode.Episode{
		ProjectID: pctx.ProjectID,
		Type:      episode.Type(strings.ToUpper(call.String("type"))),
		Content:   call.String("content"),
		Entities:  call.Strings("entities"),
		TaskID:    call.String("taskId"),
		Outcome:   call.String("outcome"),
		Metadata:  call.Map("metadata"),
		Sensitive: call.Bool("sensitive", false),
		AgentID:   b.agentID(call),
		SessionID: call.SessionID,
	}

	id, err := b.Episodes.Add(ctx, ep)
	switch {
	case errors.Is(err, episode.ErrInvalidMetadata):
		return envelope.Err(envelope.CodeEpisodeAddInvalidMetadata, err.Error()).
			WithHint("DECISION needs outcome plus metadata.rationale or metadata.reason; TEST_RESULT needs metadata.testName or metadata.testFile; ERROR needs metadata.errorCode or metadata.stack"), nil
	case errors.Is(err, episode.ErrInvalidInput):
		return envelope.Err(envelope.CodeEpisodeAddInvalidInput, err.Error()).
			WithHint("type and content are required"), nil
	case err != nil:
		return nil, err
	}
	return envelope.Okf(map[string]any{"episodeId": id},
		"recorded %s episode %s", ep.Type, id), nil
}

func (b *Bridge) episodeRecall(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	since, envErr := b.resolveAnchorArg(ctx, pctx.ProjectID, call, "since")
	if envErr != nil {
		return envelope.Err(envelope.CodeEpisodeRecallInvalidInput,
			envErr.Error.Reason), nil
	}
	q := episode.RecallQuery{
		Query:    call.String("query"),
		AgentID:  call.String("agentId"),
		TaskID:   call.String("taskId"),
		Entities: call.Strings("entities"),
		Since:    since,
		Limit:    call.Int("limit", 0),
	}
	for _, raw := range call.Strings("types") {
		t := episode.Type(strings.ToUpper(raw))
		if !episode.ValidTypes[t] {
			return envelope.Errf(envelope.CodeEpisodeRecallInvalidInput,
				"unknown episode type %q", raw), nil
		}
		q.Types = append(q.Types, t)
	}
	if q.Query == "" && q.AgentID == "" && q.TaskID == "" &&
		len(q.Types) == 0 && len(q.Entities) == 0 {
		return envelope.Err(envelope.CodeEpisodeRecallInvalidInput,
			"at least one of query, agentId, taskId, types, entities is required"), nil
	}

	eps, err := b.Episodes.Recall(ctx, pctx.ProjectID, q)
	if err != nil {
		return nil, err
	}
	return envelope.Okf(map[string]any{"episodes": eps},
		"%d episodes recalled", len(eps)), nil
}

func (b *Bridge) decisionQuery(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	query := call.String("query")
	if query == "" {
		return envelope.Err(envelope.CodeDecisionQueryInvalidInput, "query is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	eps, err := b.Episodes.DecisionQuery(ctx, pctx.ProjectID, query, call.Int("limit", 0))
	if err != nil {
		return nil, err
	}
	return envelope.Okf(map[string]any{"decisions": eps},
		"%d decisions matched", len(eps)), nil
}

func (b *Bridge) reflect(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	agentID := b.agentID(call)
	res, err := b.Episodes.Reflect(ctx, pctx.ProjectID, agentID, call.String("taskId"))
	if errors.Is(err, episode.ErrNotFound) {
		return envelope.Okf(map[string]any{"learningsCreated": 0},
			"no episodes to reflect on for agent %s", agentID), nil
	}
	if err != nil {
		return nil, err
	}
	return envelope.Okf(res, "reflection %s distilled %d learning(s)",
		res.ReflectionID, res.LearningsCreated), nil
}
