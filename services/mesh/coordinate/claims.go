// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate implements multi-agent work claims over graph
// elements: claim, release, conflict reporting, and invalidation of
// claims whose targets disappeared from the graph.
package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// Claim statuses returned by Claim.
const (
	StatusCreated  = "CREATED"
	StatusConflict = "CONFLICT"
)

// Intent values recognized for claims. Free-form intents are accepted;
// these are the conventional ones.
const (
	IntentEdit     = "edit"
	IntentRefactor = "refactor"
	IntentReview   = "review"
)

// Sentinel errors for claim operations.
var (
	// ErrClaimNotFound indicates no active claim matched.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrNotHolder indicates a release attempt by a different agent.
	ErrNotHolder = errors.New("claim held by another agent")

	// ErrInvalidInput indicates a claim request missing required fields.
	ErrInvalidInput = errors.New("element and agentId are required")
)

// Claim is an active work claim on a graph element.
type Claim struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	ElementID   string `json:"elementId"`
	ElementName string `json:"elementName,omitempty"`
	AgentID     string `json:"agentId"`
	TaskID      string `json:"taskId,omitempty"`
	Intent      string `json:"intent,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Status string `json:"status"`
	Claim  *Claim `json:"claim,omitempty"`
	// Holder is set on CONFLICT: the existing claim on the element.
	Holder *Claim `json:"holder,omitempty"`
}

// ElementClaims groups the claims sharing one target element.
type ElementClaims struct {
	ElementID string   `json:"elementId"`
	Claims    []*Claim `json:"claims"`
}

// Overview summarizes claim state for a project: live claims whose
// targets still exist, claims whose targets vanished, and elements
// carrying more than one claim.
type Overview struct {
	ActiveClaims []*Claim        `json:"activeClaims"`
	StaleClaims  []*Claim        `json:"staleClaims"`
	Conflicts    []ElementClaims `json:"conflicts"`
	Summary      string          `json:"summary"`
	ByAgent      map[string]int  `json:"byAgent"`
}

// Engine manages claims as CLAIM nodes in the graph store, each with a
// TARGETS edge to the claimed element.
//
// # Thread Safety
//
// Safe for concurrent use; claim-vs-claim races serialize on mu so two
// agents cannot both receive CREATED for one element.
type Engine struct {
	store  graph.Store
	logger *slog.Logger
	mu     chan struct{} // 1-slot semaphore around claim/release
}

// NewEngine wires a claims engine.
func NewEngine(store graph.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	sem := make(chan struct{}, 1)
	sem <- struct{}{}
	return &Engine{store: store, logger: logger, mu: sem}
}

func (e *Engine) lock()   { <-e.mu }
func (e *Engine) unlock() { e.mu <- struct{}{} }

// Claim attempts to claim an element for an agent.
//
// # Description
//
// The element reference is resolved against the graph (exact id, exact
// name, then path suffix) when possible, but resolution is advisory:
// a reference that matches nothing is claimed verbatim, so agents can
// claim tasks or symbols the graph has not seen yet. Unresolved claims
// are closed by stale invalidation after the next rebuild if the
// target never materializes. If another agent holds an active claim on
// the same element the result is CONFLICT and carries the holder.
// Re-claiming an element the same agent already holds refreshes the
// reason and returns CREATED with the existing claim id.
func (e *Engine) Claim(ctx context.Context, projectID, elementRef, agentID, taskID, intent, reason string) (*ClaimResult, error) {
	if elementRef == "" || agentID == "" {
		return nil, ErrInvalidInput
	}

	elementID := elementRef
	elementName := elementRef
	withEdge := false
	res, err := graph.ResolveElement(ctx, e.store, projectID, elementRef)
	switch {
	case err == nil:
		elementID = res.Node.ID
		elementName = res.Node.Name()
		withEdge = true
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, graph.ErrAmbiguous):
		e.logger.Debug("claim target unresolved, claiming reference verbatim",
			"element_ref", elementRef, "agent_id", agentID)
	default:
		return nil, err
	}

	e.lock()
	defer e.unlock()

	existing, err := e.claimOn(ctx, projectID, elementID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.AgentID != agentID {
			e.logger.Info("claim conflict",
				"element_id", elementID, "agent_id", agentID, "holder", existing.AgentID)
			return &ClaimResult{Status: StatusConflict, Holder: existing}, nil
		}
		// Same agent: refresh in place.
		existing.Reason = reason
		existing.Intent = intent
		if err := e.persist(ctx, existing, elementID, false); err != nil {
			return nil, err
		}
		return &ClaimResult{Status: StatusCreated, Claim: existing}, nil
	}

	claim := &Claim{
		ID:          "claim-" + uuid.NewString(),
		ProjectID:   projectID,
		ElementID:   elementID,
		ElementName: elementName,
		AgentID:     agentID,
		TaskID:      taskID,
		Intent:      intent,
		Reason:      reason,
		CreatedAt:   graph.NowMilli(),
	}
	if err := e.persist(ctx, claim, elementID, withEdge); err != nil {
		return nil, err
	}

	e.logger.Info("claim created",
		"claim_id", claim.ID, "element_id", elementID, "agent_id", agentID)
	return &ClaimResult{Status: StatusCreated, Claim: claim}, nil
}

// Release ends the agent's active claim on the element. Accepts either
// a claim id or an element reference.
func (e *Engine) Release(ctx context.Context, projectID, ref, agentID string) error {
	e.lock()
	defer e.unlock()

	claims, err := e.active(ctx, projectID)
	if err != nil {
		return err
	}

	var target *Claim
	for _, c := range claims {
		if c.ID == ref || c.ElementID == ref || c.ElementName == ref {
			target = c
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %q", ErrClaimNotFound, ref)
	}
	if target.AgentID != agentID {
		return fmt.Errorf("%w: %q held by %q", ErrNotHolder, ref, target.AgentID)
	}

	if err := e.store.EndNode(ctx, projectID, target.ID, graph.NowMilli()); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	e.logger.Info("claim released", "claim_id", target.ID, "agent_id", agentID)
	return nil
}

// ReleaseAllForTask ends every claim held under the task. Used by the
// task-completion hook so finished tasks never leave claims behind.
func (e *Engine) ReleaseAllForTask(ctx context.Context, projectID, taskID string) (int, error) {
	e.lock()
	defer e.unlock()

	claims, err := e.active(ctx, projectID)
	if err != nil {
		return 0, err
	}
	released := 0
	now := graph.NowMilli()
	for _, c := range claims {
		if c.TaskID != taskID {
			continue
		}
		if err := e.store.EndNode(ctx, projectID, c.ID, now); err != nil {
			e.logger.Warn("failed to release task claim",
				"claim_id", c.ID, "task_id", taskID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}

// Status returns the agent's active claims, oldest first.
func (e *Engine) Status(ctx context.Context, projectID, agentID string) ([]*Claim, error) {
	claims, err := e.active(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []*Claim
	for _, c := range claims {
		if agentID == "" || c.AgentID == agentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// GetOverview reports project-wide claim state: active claims, claims
// whose targets no longer have a live row, elements claimed more than
// once, a per-agent tally, and a one-line summary.
func (e *Engine) GetOverview(ctx context.Context, projectID string) (*Overview, error) {
	claims, err := e.active(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].CreatedAt < claims[j].CreatedAt })

	ov := &Overview{
		ActiveClaims: make([]*Claim, 0, len(claims)),
		StaleClaims:  []*Claim{},
		ByAgent:      map[string]int{},
	}
	byElement := map[string][]*Claim{}
	var elementOrder []string
	for _, c := range claims {
		ov.ByAgent[c.AgentID]++
		if _, err := e.store.GetLive(ctx, projectID, c.ElementID); errors.Is(err, graph.ErrNodeNotFound) {
			ov.StaleClaims = append(ov.StaleClaims, c)
		} else if err != nil {
			return nil, err
		} else {
			ov.ActiveClaims = append(ov.ActiveClaims, c)
		}
		if len(byElement[c.ElementID]) == 0 {
			elementOrder = append(elementOrder, c.ElementID)
		}
		byElement[c.ElementID] = append(byElement[c.ElementID], c)
	}
	for _, id := range elementOrder {
		if cs := byElement[id]; len(cs) > 1 {
			ov.Conflicts = append(ov.Conflicts, ElementClaims{ElementID: id, Claims: cs})
		}
	}
	ov.Summary = fmt.Sprintf("%d active claims across %d agents (%d stale, %d contested elements)",
		len(ov.ActiveClaims), len(ov.ByAgent), len(ov.StaleClaims), len(ov.Conflicts))
	return ov, nil
}

// InvalidateStale ends claims whose target element has no live row.
//
// Runs after a rebuild settles, against the final post-build state, so
// an element that briefly disappears mid-build does not lose its claim.
// Returns the number of claims invalidated.
func (e *Engine) InvalidateStale(ctx context.Context, projectID string) (int, error) {
	e.lock()
	defer e.unlock()

	claims, err := e.active(ctx, projectID)
	if err != nil {
		return 0, err
	}
	invalidated := 0
	now := graph.NowMilli()
	for _, c := range claims {
		if _, err := e.store.GetLive(ctx, projectID, c.ElementID); err == nil {
			continue
		} else if !errors.Is(err, graph.ErrNodeNotFound) {
			return invalidated, err
		}
		if err := e.store.EndNode(ctx, projectID, c.ID, now); err != nil {
			e.logger.Warn("failed to invalidate stale claim",
				"claim_id", c.ID, "element_id", c.ElementID, "error", err)
			continue
		}
		invalidated++
		e.logger.Info("stale claim invalidated",
			"claim_id", c.ID, "element_id", c.ElementID)
	}
	return invalidated, nil
}

// claimOn finds the active claim targeting the element, if any.
func (e *Engine) claimOn(ctx context.Context, projectID, elementID string) (*Claim, error) {
	claims, err := e.active(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		if c.ElementID == elementID {
			return c, nil
		}
	}
	return nil, nil
}

// active loads all live CLAIM rows.
func (e *Engine) active(ctx context.Context, projectID string) ([]*Claim, error) {
	nodes, err := e.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeClaim},
		LiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load claims: %w", err)
	}
	out := make([]*Claim, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Claim{
			ID:          n.ID,
			ProjectID:   n.ProjectID,
			ElementID:   n.Prop("elementId"),
			ElementName: n.Prop("elementName"),
			AgentID:     n.Prop("agentId"),
			TaskID:      n.Prop("taskId"),
			Intent:      n.Prop("intent"),
			Reason:      n.Prop("reason"),
			CreatedAt:   n.PropInt("createdAt"),
		})
	}
	return out, nil
}

// persist writes the claim node and, for new claims, the TARGETS edge.
func (e *Engine) persist(ctx context.Context, c *Claim, elementID string, withEdge bool) error {
	node := &graph.Node{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		Type:      graph.NodeClaim,
		Properties: map[string]any{
			"elementId":   c.ElementID,
			"elementName": c.ElementName,
			"agentId":     c.AgentID,
			"taskId":      c.TaskID,
			"intent":      c.Intent,
			"reason":      c.Reason,
			"createdAt":   c.CreatedAt,
		},
		ValidFrom: graph.NowMilli(),
	}
	if err := e.store.UpsertNode(ctx, node); err != nil {
		return fmt.Errorf("persist claim: %w", err)
	}
	if withEdge {
		rel := &graph.Relationship{
			ID:        uuid.NewString(),
			ProjectID: c.ProjectID,
			From:      c.ID,
			To:        elementID,
			Type:      graph.RelTargets,
		}
		if err := e.store.AddRelationship(ctx, rel); err != nil {
			e.logger.Warn("failed to link claim target",
				"claim_id", c.ID, "element_id", elementID, "error", err)
		}
	}
	return nil
}
