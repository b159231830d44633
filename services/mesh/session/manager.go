// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the per-session project bindings and the
// per-session file watchers.
//
// Every tool call executes under a logical session id. A session may
// bind its own ProjectContext via graph_set_workspace; unbound sessions
// resolve to the process-wide default. Watchers are owned here so that
// session cleanup reliably stops them.
package session

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianMesh/services/mesh/watch"
)

// ProjectContext identifies the project a tool call operates on.
type ProjectContext struct {
	WorkspaceRoot string `json:"workspaceRoot"`
	SourceDir     string `json:"sourceDir"`
	ProjectID     string `json:"projectId"`
}

// Empty reports whether the context carries no project.
func (c ProjectContext) Empty() bool {
	return c.ProjectID == "" && c.WorkspaceRoot == ""
}

// SourceUnderRoot reports whether SourceDir lies inside WorkspaceRoot.
// The runtime path-fallback policy may allow contexts violating this.
func (c ProjectContext) SourceUnderRoot() bool {
	rel, err := filepath.Rel(c.WorkspaceRoot, c.SourceDir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Manager tracks session bindings and watchers.
//
// # Thread Safety
//
// All methods are safe for concurrent use; both maps are guarded by one
// mutex, matching the shared-state policy (session maps and watcher map
// mutate only under the session manager's lock).
type Manager struct {
	mu         sync.Mutex
	defaultCtx ProjectContext
	bindings   map[string]ProjectContext
	watchers   map[string]*watch.Watcher
	logger     *slog.Logger
}

// NewManager creates a session manager with the given process-wide
// default context.
func NewManager(defaultCtx ProjectContext, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defaultCtx: defaultCtx,
		bindings:   make(map[string]ProjectContext),
		watchers:   make(map[string]*watch.Watcher),
		logger:     logger,
	}
}

// Get returns the context bound to the session, or the process default
// when the session id is empty or unbound.
func (m *Manager) Get(sessionID string) ProjectContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID != "" {
		if ctx, ok := m.bindings[sessionID]; ok {
			return ctx
		}
	}
	return m.defaultCtx
}

// WorkspaceRoot returns the workspace root of the session's effective
// context. Satisfies the dispatcher's ContextResolver.
func (m *Manager) WorkspaceRoot(sessionID string) string {
	return m.Get(sessionID).WorkspaceRoot
}

// Set binds the context to the session. An empty session id updates the
// process-wide default instead.
func (m *Manager) Set(sessionID string, ctx ProjectContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		m.defaultCtx = ctx
		return
	}
	m.bindings[sessionID] = ctx
}

// RegisterWatcher installs a watcher for the session, stopping and
// replacing any previous one. At most one watcher exists per session.
func (m *Manager) RegisterWatcher(sessionID string, w *watch.Watcher) {
	m.mu.Lock()
	prev := m.watchers[sessionID]
	m.watchers[sessionID] = w
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			m.logger.Warn("failed to stop replaced watcher",
				"session_id", sessionID, "error", err)
		}
	}
}

// Watcher returns the session's watcher, or nil.
func (m *Manager) Watcher(sessionID string) *watch.Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[sessionID]
}

// WatcherState reports the session watcher's state, defaulting to
// not_started when no watcher exists.
func (m *Manager) WatcherState(sessionID string) (watch.State, int) {
	m.mu.Lock()
	w := m.watchers[sessionID]
	m.mu.Unlock()
	if w == nil {
		return watch.StateNotStarted, 0
	}
	return w.State()
}

// Cleanup stops the session's watcher (tolerating a failing stop) and
// removes its binding. After Cleanup(s), no watcher is registered for s
// and no binding exists for s.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	w := m.watchers[sessionID]
	delete(m.watchers, sessionID)
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if w != nil {
		if err := w.Stop(); err != nil {
			m.logger.Warn("watcher stop failed during session cleanup",
				"session_id", sessionID, "error", err)
		}
	}
}

// CleanupAll stops every watcher best-effort and clears both maps.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*watch.Watcher)
	m.bindings = make(map[string]ProjectContext)
	m.mu.Unlock()

	for sessionID, w := range watchers {
		if err := w.Stop(); err != nil {
			m.logger.Warn("watcher stop failed during shutdown",
				"session_id", sessionID, "error", err)
		}
	}
}

// Sessions returns the ids of sessions holding an explicit binding.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	return ids
}
