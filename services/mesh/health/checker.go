// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health assembles the per-project health report: graph
// connectivity and counts, embedding readiness, watcher state, recent
// build errors, drift detection, and suggested remediations.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
	"github.com/AleutianAI/AleutianMesh/services/mesh/watch"
)

// Overall health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusEmpty    = "empty"
	StatusDrift    = "drift_detected"
)

// GraphHealth reports the graph store section.
type GraphHealth struct {
	Connected bool         `json:"connected"`
	Counts    graph.Counts `json:"counts"`
}

// VectorHealth reports the embedding section. Objects is the stored
// object total summed across the vector store's collections.
type VectorHealth struct {
	EmbeddingsReady bool `json:"embeddingsReady"`
	Objects         int  `json:"objects"`
}

// WatcherHealth reports the session watcher section.
type WatcherHealth struct {
	State   watch.State `json:"state"`
	Pending int         `json:"pendingChanges"`
}

// Report is the full health report for one project and session.
type Report struct {
	Status        string                `json:"status"`
	ProjectID     string                `json:"projectId"`
	Graph         GraphHealth           `json:"graph"`
	Vector        VectorHealth          `json:"vector"`
	Watcher       WatcherHealth         `json:"watcher"`
	Rebuild       rebuild.ProjectStatus `json:"rebuild"`
	DriftDetected bool                  `json:"driftDetected"`
	Remediations  []string              `json:"remediations,omitempty"`
}

// EmbeddingState exposes per-project embedding readiness.
type EmbeddingState interface {
	Ready(projectID string) bool
}

// ObjectCounter exposes per-project vector object totals. Embedding
// states that also count objects feed the vector health section.
type ObjectCounter interface {
	ObjectCount(ctx context.Context, projectID string) (int, error)
}

// WatcherState exposes the session watcher's lifecycle state.
type WatcherState interface {
	WatcherState(sessionID string) (watch.State, int)
}

// RebuildState exposes rebuild progress and recent errors.
type RebuildState interface {
	Status(projectID string) rebuild.ProjectStatus
}

// Checker builds health reports.
//
// # Description
//
// Drift detection compares the store's current counts against the
// baseline recorded after the last completed rebuild; a mismatch with
// no rebuild in flight means the graph changed outside the rebuild
// path. Readiness and watcher state are process-local: a restarted
// server reports embeddings not-ready and watchers not_started until
// the next rebuild and watch_start.
//
// # Thread Safety
//
// Safe for concurrent use.
type Checker struct {
	store    graph.Store
	vectors  EmbeddingState
	watchers WatcherState
	rebuilds RebuildState
	logger   *slog.Logger

	mu        sync.Mutex
	baselines map[string]graph.Counts
}

// NewChecker wires a health checker. Collaborators may be nil; their
// sections then report the zero state.
func NewChecker(store graph.Store, vectors EmbeddingState, watchers WatcherState, rebuilds RebuildState, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:     store,
		vectors:   vectors,
		watchers:  watchers,
		rebuilds:  rebuilds,
		logger:    logger,
		baselines: make(map[string]graph.Counts),
	}
}

// RecordBaseline snapshots the post-build counts used for drift
// detection. Call after each completed rebuild.
func (c *Checker) RecordBaseline(ctx context.Context, projectID string) error {
	counts, err := c.store.Counts(ctx, projectID)
	if err != nil {
		return fmt.Errorf("baseline counts: %w", err)
	}
	c.mu.Lock()
	c.baselines[projectID] = counts
	c.mu.Unlock()
	return nil
}

// Check assembles the report for a project and session.
func (c *Checker) Check(ctx context.Context, projectID, sessionID string) (*Report, error) {
	r := &Report{ProjectID: projectID}

	r.Graph.Connected = c.store.Connected()
	if r.Graph.Connected {
		counts, err := c.store.Counts(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("store counts: %w", err)
		}
		r.Graph.Counts = counts
	}

	if c.vectors != nil {
		r.Vector.EmbeddingsReady = c.vectors.Ready(projectID)
		if counter, ok := c.vectors.(ObjectCounter); ok {
			if n, err := counter.ObjectCount(ctx, projectID); err == nil {
				r.Vector.Objects = n
			} else {
				c.logger.Debug("vector object count unavailable",
					"project_id", projectID, "error", err)
			}
		}
	}
	if c.watchers != nil {
		r.Watcher.State, r.Watcher.Pending = c.watchers.WatcherState(sessionID)
	} else {
		r.Watcher.State = watch.StateNotStarted
	}
	if c.rebuilds != nil {
		r.Rebuild = c.rebuilds.Status(projectID)
	}

	c.mu.Lock()
	baseline, hasBaseline := c.baselines[projectID]
	c.mu.Unlock()
	if hasBaseline && !r.Rebuild.Running && baseline != r.Graph.Counts {
		r.DriftDetected = true
	}

	r.Remediations = c.remediations(r)
	r.Status = overallStatus(r)
	return r, nil
}

// remediations suggests the next action for each degraded section.
func (c *Checker) remediations(r *Report) []string {
	var out []string
	if !r.Graph.Connected {
		out = append(out, "graph store unreachable: check the backend and restart the server")
	}
	if r.Graph.Connected && r.Graph.Counts.Nodes == 0 {
		out = append(out, "graph is empty: run graph_rebuild with mode=full")
	}
	if r.DriftDetected {
		out = append(out, "graph drifted from the last build: run graph_rebuild with mode=full")
	}
	if r.Graph.Counts.Nodes > 0 && !r.Vector.EmbeddingsReady {
		out = append(out, "embeddings not ready: run graph_rebuild with mode=full to regenerate")
	}
	if r.Watcher.State == watch.StateNotStarted && r.Graph.Counts.Nodes > 0 {
		out = append(out, "no file watcher running: call watch_start to keep the graph current")
	}
	if len(r.Rebuild.RecentErrors) > 0 {
		out = append(out, fmt.Sprintf("last builds recorded %d error(s): inspect rebuild status", len(r.Rebuild.RecentErrors)))
	}
	return out
}

func overallStatus(r *Report) string {
	switch {
	case !r.Graph.Connected:
		return StatusDegraded
	case r.Graph.Counts.Nodes == 0:
		return StatusEmpty
	case r.DriftDetected:
		return StatusDrift
	case len(r.Rebuild.RecentErrors) > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
