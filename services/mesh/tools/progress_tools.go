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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

const categoryProgress = "progress"

// validTaskStatuses are the accepted task states. "active" is
// normalized to "in-progress" before handlers run.
var validTaskStatuses = map[string]bool{
	"pending": true, "in-progress": true, "completed": true, "blocked": true,
}

// progressTools builds the task and feature tracking tool entries.
func progressTools(b *Bridge) []*dispatch.Tool {
	return []*dispatch.Tool{
		{
			Name:     "progress_query",
			Category: categoryProgress,
			InputShape: map[string]string{
				"type": "task|feature?", "status": "string?", "query": "string?",
			},
			Run: b.progressQuery,
		},
		{
			Name:     "task_update",
			Category: categoryProgress,
			InputShape: map[string]string{
				"taskId": "string", "status": "string", "title": "string?",
				"notes": "string?", "featureId": "string?", "assignee": "string?",
			},
			Run: b.taskUpdate,
		},
		{
			Name:       "feature_status",
			Category:   categoryProgress,
			InputShape: map[string]string{"featureId": "string"},
			Run:        b.featureStatus,
		},
		{
			Name:       "blocking_issues",
			Category:   categoryProgress,
			InputShape: map[string]string{},
			Run:        b.blockingIssues,
		},
	}
}

// progressItem is one row of a progress_query result.
type progressItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

func (b *Bridge) progressQuery(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	types := []graph.NodeType{graph.NodeTask}
	switch call.String("type") {
	case "feature":
		types = []graph.NodeType{graph.NodeFeature}
	case "", "task":
	default:
		return envelope.Errf(envelope.CodeProgressQueryFailed,
			"type must be task or feature, got %q", call.String("type")), nil
	}

	nodes, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types: types, LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	status := call.String("status")
	query := strings.ToLower(call.String("query"))
	var items []progressItem
	for _, n := range nodes {
		if status != "" && n.Prop("status") != status {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(n.Name()), query) &&
			!strings.Contains(strings.ToLower(n.Prop("notes")), query) {
			continue
		}
		items = append(items, progressItem{
			ID: n.ID, Name: n.Name(), Kind: string(n.Type),
			Status: n.Prop("status"), Assignee: n.Prop("assignee"),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return envelope.Okf(map[string]any{"items": items},
		"%d item(s)", len(items)), nil
}

func (b *Bridge) taskUpdate(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	taskID := call.String("taskId")
	status := call.String("status")
	if taskID == "" || status == "" {
		return envelope.Err(envelope.CodeTaskUpdateInvalidInput,
			"taskId and status are required"), nil
	}
	if !validTaskStatuses[status] {
		return envelope.Errf(envelope.CodeTaskUpdateInvalidInput,
			"unknown status %q", status).
			WithHint("use pending, in-progress, completed, or blocked"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	previous := ""
	props := map[string]any{"status": status}
	if existing, err := b.Store.GetLive(ctx, pctx.ProjectID, taskID); err == nil {
		previous = existing.Prop("status")
		for k, v := range existing.Properties {
			if _, set := props[k]; !set {
				props[k] = v
			}
		}
	}
	for _, key := range []string{"title", "notes", "featureId", "assignee"} {
		if v := call.String(key); v != "" {
			props[key] = v
		}
	}
	if _, ok := props["name"]; !ok {
		if title, _ := props["title"].(string); title != "" {
			props["name"] = title
		} else {
			props["name"] = taskID
		}
	}

	node := &graph.Node{
		ID:         taskID,
		ProjectID:  pctx.ProjectID,
		Type:       graph.NodeTask,
		Properties: props,
		ValidFrom:  graph.NowMilli(),
	}
	if err := b.Store.UpsertNode(ctx, node); err != nil {
		return nil, err
	}

	data := map[string]any{"taskId": taskID, "status": status}
	if status == "completed" {
		data["completion"] = b.completeTask(ctx, pctx.ProjectID, taskID, previous, call)
	}
	return envelope.Okf(data, "task %s is now %s", taskID, status), nil
}

// completeTask runs the completion hook: release the task's claims,
// reflect over its episodes, and record the completion decision.
// Failures degrade to log lines; the status update itself stands.
func (b *Bridge) completeTask(ctx context.Context, projectID, taskID, previous string, call *dispatch.Call) map[string]any {
	result := map[string]any{}

	if b.Claims != nil {
		released, err := b.Claims.ReleaseAllForTask(ctx, projectID, taskID)
		if err != nil {
			b.Logger.Warn("failed to release task claims",
				"task_id", taskID, "error", err)
		}
		result["claimsReleased"] = released
	}

	if b.Episodes == nil {
		return result
	}

	agentID := b.agentID(call)
	if res, err := b.Episodes.Reflect(ctx, projectID, agentID, taskID); err == nil {
		result["learningsCreated"] = res.LearningsCreated
	} else if !errors.Is(err, episode.ErrNotFound) {
		b.Logger.Warn("task completion reflection failed",
			"task_id", taskID, "error", err)
	}

	rationale := fmt.Sprintf("task moved to completed from %q", previous)
	if notes := call.String("notes"); notes != "" {
		rationale += ": " + notes
	}
	if _, err := b.Episodes.Add(ctx, &episode.Episode{
		ProjectID: projectID,
		Type:      episode.TypeDecision,
		Content:   fmt.Sprintf("Completed task %s", taskID),
		TaskID:    taskID,
		Outcome:   "success",
		Metadata:  map[string]any{"rationale": rationale},
		AgentID:   agentID,
		SessionID: call.SessionID,
	}); err != nil {
		b.Logger.Warn("failed to record completion decision",
			"task_id", taskID, "error", err)
	}
	return result
}

func (b *Bridge) featureStatus(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	ref := call.String("featureId")
	if ref == "" {
		return envelope.Err(envelope.CodeProgressQueryFailed, "featureId is required"), nil
	}
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	res, err := graph.ResolveElement(ctx, b.Store, pctx.ProjectID, ref)
	if err != nil {
		return notFoundEnvelope(envelope.CodeElementNotFound, ref, res), nil
	}
	feature := res.Node

	tasks, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types: []graph.NodeType{graph.NodeTask}, LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	var featureTasks []progressItem
	completed := 0
	for _, t := range tasks {
		if t.Prop("featureId") != feature.ID {
			continue
		}
		item := progressItem{
			ID: t.ID, Name: t.Name(), Kind: string(t.Type),
			Status: t.Prop("status"), Assignee: t.Prop("assignee"),
		}
		if item.Status == "completed" {
			completed++
		}
		featureTasks = append(featureTasks, item)
	}
	sort.Slice(featureTasks, func(i, j int) bool { return featureTasks[i].ID < featureTasks[j].ID })

	var implementations []string
	if rels, err := b.Store.RelationshipsFrom(ctx, pctx.ProjectID, feature.ID, graph.RelImplementedBy); err == nil {
		for _, r := range rels {
			implementations = append(implementations, r.To)
		}
		sort.Strings(implementations)
	}

	return envelope.Okf(map[string]any{
		"feature":         feature,
		"tasks":           featureTasks,
		"completed":       completed,
		"total":           len(featureTasks),
		"implementations": implementations,
	}, "%s: %d/%d tasks completed", feature.Name(), completed, len(featureTasks)), nil
}

func (b *Bridge) blockingIssues(ctx context.Context, call *dispatch.Call) (*envelope.Envelope, error) {
	pctx, errEnv := b.requireProject(call)
	if errEnv != nil {
		return errEnv, nil
	}

	tasks, err := b.Store.Nodes(ctx, pctx.ProjectID, graph.NodeFilter{
		Types: []graph.NodeType{graph.NodeTask}, LiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	var blocked []progressItem
	for _, t := range tasks {
		if t.Prop("status") != "blocked" {
			continue
		}
		blocked = append(blocked, progressItem{
			ID: t.ID, Name: t.Name(), Kind: string(t.Type),
			Status: "blocked", Assignee: t.Prop("assignee"),
		})
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].ID < blocked[j].ID })

	data := map[string]any{"blockedTasks": blocked}
	if b.Claims != nil {
		if ov, err := b.Claims.GetOverview(ctx, pctx.ProjectID); err == nil {
			data["activeClaims"] = ov.ActiveClaims
		}
	}
	return envelope.Okf(data, "%d blocked task(s)", len(blocked)), nil
}
