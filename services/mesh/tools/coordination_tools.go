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

	"github.com/AleutianAI/AleutianMesh/services/mesh/contextpack"
	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
)

const categoryCoordination = "coordination"

// recentEpisodeLimit caps the episode history in per-agent status.
const recentEpisodeLimit = 5

// coordinationTools builds the claim and context-pack tool entries.
func coordinationTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "agent_claim",
			Category: categoryCoordination,
			InputShape: map[string]string{
				"targetId": "string", "intent": "string",
				"taskId": "string?", "reason": "string?", "agentId": "string?",
			},
			Run: b.agentClaim,
		},
		{
			Name:     "agent_release",
			Category: categoryCoordination,
			InputShape: map[string]string{
				"claimId": "string|targetId", "agentId": "string?",
			},
			Run: b.agentRelease,
		},
		{
			Name:       "agent_status",
			Category:   categoryCoordination,
			InputShape: map[string]string{"agentId": "string?"},
			Run:        b.agentStatus,
		},
		{
			Name:       "coordination_overview",
			Category:   categoryCoordination,
			InputShape: map[string]string{},
			Run:        b.coordinationOverview,
		},
		{
			Name:     "context_pack",
			Category: categoryCoordination,
			InputShape: map[string]string{
				"query": "string", "taskId": "string?", "agentId": "string?",
				"tokenBudget": "int?", "includeDecisions": "bool?",
				"includeLearnings": "bool?", "includeEpisodes": "bool?",
			},
			Run: b.contextPack,
		},
	}
}

func (b *Bridge) agentClaim(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	target := call.String("targetId")
	if target == "" {
		target = call.String("target")
	}
	intent := call.String("intent")
	if target == "" || intent == "" {
		return envelope.Err(envelope.CodeAgentClaimInvalidInput,
			"targetId and intent are required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	res, err := b.Claims.Claim(ctx, pctx.ProjectID, target, b.agentID(call),
		call.String("taskId"), intent, call.String("reason"))
	if errors.Is(err, coordinate.ErrInvalidInput) {
		return envelope.Err(envelope.CodeAgentClaimInvalidInput, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}

	data := map[string]any{"status": res.Status}
	if res.Claim != nil {
		data["claimId"] = res.Claim.ID
		data["claim"] = res.Claim
	}
	if res.Holder != nil {
		data["conflicts"] = []map[string]any{{
			"claimId": res.Holder.ID,
			"agentId": res.Holder.AgentID,
			"intent":  res.Holder.Intent,
		}}
		return envelope.Okf(data, "target %s already claimed by %s",
			target, res.Holder.AgentID), nil
	}
	return envelope.Okf(data, "claim %s on %s", res.Status, target), nil
}

func (b *Bridge) agentRelease(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("claimId")
	if ref == "" {
		ref = call.String("targetId")
	}
	if ref == "" {
		return envelope.Err(envelope.CodeAgentReleaseInvalidInput,
			"claimId or targetId is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	err := b.Claims.Release(ctx, pctx.ProjectID, ref, b.agentID(call))
	switch {
	case errors.Is(err, coordinate.ErrClaimNotFound):
		return envelope.Errf(envelope.CodeElementNotFound,
			"no active claim matches %q", ref), nil
	case errors.Is(err, coordinate.ErrNotHolder):
		return envelope.Err(envelope.CodeAgentReleaseInvalidInput, err.Error()), nil
	case err != nil:
		return nil, err
	}
	return envelope.Okf(map[string]any{"released": ref}, "released %s", ref), nil
}

// agentStatus reports one agent's claims, or the fleet overview when no
// agent is named.
func (b *Bridge) agentStatus(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	agentID := call.String("agentId")
	if agentID == "" {
		return b.coordinationOverview(ctx, call)
	}

	claims, err := b.Claims.Status(ctx, pctx.ProjectID, agentID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{"agentId": agentID, "activeClaims": claims}
	if b.Episodes != nil {
		episodes, err := b.Episodes.Recall(ctx, pctx.ProjectID, episode.RecallQuery{
			AgentID: agentID,
			Limit:   recentEpisodeLimit,
		})
		if err != nil {
			b.Logger.Warn("episode recall for agent status failed",
				"agent_id", agentID, "error", err)
		} else {
			data["recentEpisodes"] = episodes
		}
	}
	// The newest claim's task is the agent's current focus.
	if len(claims) > 0 {
		if taskID := claims[len(claims)-1].TaskID; taskID != "" {
			data["currentTask"] = taskID
		}
	}
	return envelope.Okf(data, "%s holds %d claim(s)", agentID, len(claims)), nil
}

func (b *Bridge) coordinationOverview(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	ov, err := b.Claims.GetOverview(ctx, pctx.ProjectID)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"mode":         "overview",
		"activeClaims": ov.ActiveClaims,
		"staleClaims":  ov.StaleClaims,
		"conflicts":    ov.Conflicts,
		"summary":      ov.Summary,
		"byAgent":      ov.ByAgent,
	}
	return envelope.Okf(data, "%s", ov.Summary), nil
}

func (b *Bridge) contextPack(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	query := call.String("query")
	if query == "" {
		return envelope.Err(envelope.CodeContextPackInvalidInput, "query is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	pack, err := b.Packs.Build(ctx, contextpack.Request{
		ProjectID:        pctx.ProjectID,
		Query:            query,
		TaskID:           call.String("taskId"),
		AgentID:          b.agentID(call),
		TokenBudget:      call.Int("tokenBudget", 0),
		IncludeDecisions: call.Bool("includeDecisions", true),
		IncludeLearnings: call.Bool("includeLearnings", true),
		IncludeEpisodes:  call.Bool("includeEpisodes", true),
	})
	if errors.Is(err, contextpack.ErrNoSeeds) {
		return envelope.Errf(envelope.CodeElementNotFound,
			"query %q matched no graph entities", query).
			WithHint("run graph_rebuild first, or broaden the query"), nil
	}
	if err != nil {
		return nil, err
	}
	return envelope.Okf(pack, "%d core symbols, ~%d tokens",
		len(pack.CoreSymbols), pack.TokenEstimate), nil
}
