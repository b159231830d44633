// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the tool catalog. Every handler receives the
// normalized call from the dispatch pipeline and talks to the engines
// through the Bridge, so each tool stays testable against in-memory
// fakes.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianMesh/services/mesh/contextpack"
	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/docs"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/health"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
	"github.com/AleutianAI/AleutianMesh/services/mesh/retrieval"
	"github.com/AleutianAI/AleutianMesh/services/mesh/session"
	"github.com/AleutianAI/AleutianMesh/services/mesh/vector"
)

// Policy carries the environment-controlled knobs the tools consult.
type Policy struct {
	// WorkspaceFallbackRoot is used when a session has no binding and no
	// workspaceRoot argument was given.
	WorkspaceFallbackRoot string

	// PathFallbackAllowed permits source dirs outside the workspace root.
	PathFallbackAllowed bool

	// WatcherEnabled gates watch_start.
	WatcherEnabled bool

	// WatcherDebounce batches filesystem events. Zero means the watcher
	// default.
	WatcherDebounce time.Duration

	// WatcherIgnores extends the default ignore patterns.
	WatcherIgnores []string

	// DefaultAgentID is used when a tool call names no agent.
	DefaultAgentID string
}

// TestRunReport is the result of an external test run.
type TestRunReport struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Failures []string `json:"failures,omitempty"`
	Output   string   `json:"output,omitempty"`
}

// TestEngine runs tests. Selection and categorization have graph-backed
// defaults; running requires this engine.
type TestEngine interface {
	RunTests(ctx context.Context, projectID string, tests []string) (*TestRunReport, error)
}

// ArchFinding is one architecture-rule violation.
type ArchFinding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// ArchEngine validates and suggests architecture changes.
type ArchEngine interface {
	Validate(ctx context.Context, projectID string) ([]ArchFinding, error)
	Suggest(ctx context.Context, projectID, area string) ([]string, error)
}

// Bridge exposes every engine a tool may need. Nil collaborators make
// the corresponding tools answer with an *_UNAVAILABLE envelope instead
// of panicking.
type Bridge struct {
	Sessions  *session.Manager
	Store     graph.Store
	Rebuilds  *rebuild.Orchestrator
	Retrieval *retrieval.Dispatcher
	Episodes  *episode.Engine
	Claims    *coordinate.Engine
	Packs     *contextpack.Builder
	Health    *health.Checker
	Vectors   *vector.Manager
	Docs      *docs.Service
	Tests     TestEngine
	Arch      ArchEngine
	Policy    Policy
	Logger    *slog.Logger
}

// projectContext resolves the effective project context for a call,
// falling back to the policy root when nothing is bound.
func (b *Bridge) projectContext(call *dispatch.Call) session.ProjectContext {
	ctx := b.Sessions.Get(call.SessionID)
	if ctx.Empty() && b.Policy.WorkspaceFallbackRoot != "" {
		ctx = session.ProjectContext{
			WorkspaceRoot: b.Policy.WorkspaceFallbackRoot,
			SourceDir:     b.Policy.WorkspaceFallbackRoot,
			ProjectID:     deriveProjectID(b.Policy.WorkspaceFallbackRoot),
		}
	}
	return ctx
}

// agentID picks the agent for a call: explicit argument, then policy
// default, then the session id.
func (b *Bridge) agentID(call *dispatch.Call) string {
	if id := call.String("agentId"); id != "" {
		return id
	}
	if b.Policy.DefaultAgentID != "" {
		return b.Policy.DefaultAgentID
	}
	return call.SessionID
}

// requireProject returns the context, or a WORKSPACE_NOT_FOUND envelope
// when no project is bound.
func (b *Bridge) requireProject(call *dispatch.Call) (session.ProjectContext, *envelope.Envelope) {
	ctx := b.projectContext(call)
	if ctx.ProjectID == "" {
		return ctx, envelope.Err(envelope.CodeWorkspaceNotFound,
			"no workspace bound to this session").
			WithHint("call graph_set_workspace first")
	}
	return ctx, nil
}
