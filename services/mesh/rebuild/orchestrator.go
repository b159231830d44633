// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rebuild

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// Sentinel errors for rebuild orchestration.
var (
	// ErrPathSandboxed indicates the source dir escapes the workspace
	// root and the path-fallback policy is disabled.
	ErrPathSandboxed = errors.New("source dir escapes the workspace root")

	// ErrMissingContext indicates no project context could be resolved.
	ErrMissingContext = errors.New("workspace root and project id are required")
)

// Mode selects full or incremental rebuild semantics.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Trigger records what initiated a rebuild.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWatcher Trigger = "watcher"
)

// Rebuild result statuses.
const (
	StatusQueued    = "QUEUED"
	StatusThrottled = "THROTTLED"
)

// Request describes one rebuild.
type Request struct {
	ProjectID     string
	WorkspaceRoot string
	SourceDir     string
	Mode          Mode
	Trigger       Trigger
	// ChangedFiles are source-relative paths; used by incremental mode.
	ChangedFiles []string
	GitCommit    string
	AgentID      string
}

// Result acknowledges an accepted rebuild. Builds run asynchronously;
// QUEUED means the work was accepted (and possibly merged into a build
// already in flight).
type Result struct {
	Status    string `json:"status"`
	TxID      string `json:"txId,omitempty"`
	ProjectID string `json:"projectId"`
	Mode      Mode   `json:"mode"`
}

// ProjectStatus reports rebuild state for one project.
type ProjectStatus struct {
	ProjectID     string       `json:"projectId"`
	Running       bool         `json:"running"`
	PendingFiles  int          `json:"pendingFiles"`
	LastTxID      string       `json:"lastTxId,omitempty"`
	LastCompleted int64        `json:"lastCompleted,omitempty"`
	RecentErrors  []BuildError `json:"recentErrors,omitempty"`
}

// ClaimJanitor invalidates claims whose targets vanished. Runs against
// the final post-build state, never mid-build.
type ClaimJanitor interface {
	InvalidateStale(ctx context.Context, projectID string) (int, error)
}

// EmbeddingSync keeps the vector collections aligned with the graph.
type EmbeddingSync interface {
	MarkDirty(projectID string)
	Regenerate(ctx context.Context, projectID string) (int, error)
}

// Config tunes the orchestrator.
type Config struct {
	// PathFallback permits source dirs outside the workspace root.
	PathFallback bool

	// WatcherRatePerMinute caps watcher-triggered rebuilds per project.
	// Default: 6.
	WatcherRatePerMinute int

	// BuildTimeout bounds one build run. Default: 10m.
	BuildTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator serializes rebuilds per project and runs the post-build
// hook chain.
//
// # Description
//
// Rebuild requests are acknowledged immediately with QUEUED and merged
// into at most one running build per project. Requests arriving during
// a build accumulate (changed files union; any full request upgrades
// the next run to full) and trigger exactly one follow-up build.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	store      graph.Store
	analyzer   Analyzer
	claims     ClaimJanitor
	embeddings EmbeddingSync
	cfg        Config
	logger     *slog.Logger

	ledger *ErrorLedger
	group  singleflight.Group

	mu       sync.Mutex
	projects map[string]*projectState
}

type projectState struct {
	limiter       *rate.Limiter
	pending       map[string]struct{}
	pendingFull   bool
	nextReq       Request
	nextTxID      string
	running       bool
	lastTxID      string
	lastCompleted int64
}

// NewOrchestrator wires a rebuild orchestrator. claims and embeddings
// may be nil; the corresponding hooks are skipped.
func NewOrchestrator(store graph.Store, analyzer Analyzer, claims ClaimJanitor, embeddings EmbeddingSync, cfg Config) *Orchestrator {
	if cfg.WatcherRatePerMinute <= 0 {
		cfg.WatcherRatePerMinute = 6
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if analyzer == nil {
		analyzer = &RegexAnalyzer{}
	}
	return &Orchestrator{
		store:      store,
		analyzer:   analyzer,
		claims:     claims,
		embeddings: embeddings,
		cfg:        cfg,
		logger:     cfg.Logger,
		ledger:     NewErrorLedger(),
		projects:   make(map[string]*projectState),
	}
}

// Ledger exposes the build error ring for health reporting.
func (o *Orchestrator) Ledger() *ErrorLedger { return o.ledger }

// NewTxID mints a rebuild transaction id.
func NewTxID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("tx-%d-%s", graph.NowMilli(), hex.EncodeToString(b))
}

// ValidateContext normalizes and checks the request paths.
//
// The source dir must lie inside the workspace root unless the
// path-fallback policy is enabled. An empty source dir defaults to the
// workspace root.
func (o *Orchestrator) ValidateContext(req *Request) error {
	if req.ProjectID == "" || req.WorkspaceRoot == "" {
		return ErrMissingContext
	}
	root, err := filepath.Abs(req.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	req.WorkspaceRoot = root

	if req.SourceDir == "" {
		req.SourceDir = root
		return nil
	}
	src, err := filepath.Abs(req.SourceDir)
	if err != nil {
		return fmt.Errorf("resolve source dir: %w", err)
	}
	req.SourceDir = src

	rel, err := filepath.Rel(root, src)
	inside := err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	if !inside && !o.cfg.PathFallback {
		return fmt.Errorf("%w: %s outside %s", ErrPathSandboxed, src, root)
	}
	return nil
}

// Rebuild accepts a rebuild request.
//
// # Outputs
//
//   - *Result: QUEUED with the minted tx id, or THROTTLED for
//     rate-limited watcher triggers.
//   - error: context validation failures only; build errors land in
//     the error ledger.
func (o *Orchestrator) Rebuild(ctx context.Context, req Request) (*Result, error) {
	if err := o.ValidateContext(&req); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}

	st := o.state(req.ProjectID)

	if req.Trigger == TriggerWatcher && !st.limiter.Allow() {
		rebuildThrottled.Inc()
		o.logger.Debug("watcher rebuild throttled", "project_id", req.ProjectID)
		return &Result{Status: StatusThrottled, ProjectID: req.ProjectID, Mode: req.Mode}, nil
	}

	txID := NewTxID()

	o.mu.Lock()
	if req.Mode == ModeFull {
		st.pendingFull = true
	}
	for _, f := range req.ChangedFiles {
		st.pending[f] = struct{}{}
	}
	st.nextReq = req
	st.nextTxID = txID
	o.mu.Unlock()

	go o.Drain(req.ProjectID)

	o.logger.Info("rebuild queued",
		"project_id", req.ProjectID, "mode", req.Mode,
		"trigger", req.Trigger, "tx_id", txID)
	return &Result{Status: StatusQueued, TxID: txID, ProjectID: req.ProjectID, Mode: req.Mode}, nil
}

// Drain runs queued builds for the project until none remain. Blocks;
// concurrent callers share the running build.
func (o *Orchestrator) Drain(projectID string) {
	for {
		o.group.Do(projectID, func() (any, error) {
			o.runOnce(projectID)
			return nil, nil
		})
		o.mu.Lock()
		st := o.projects[projectID]
		more := st != nil && (st.pendingFull || len(st.pending) > 0)
		o.mu.Unlock()
		if !more {
			return
		}
	}
}

// Status reports the project's rebuild state.
func (o *Orchestrator) Status(projectID string) ProjectStatus {
	o.mu.Lock()
	st := o.projects[projectID]
	out := ProjectStatus{ProjectID: projectID}
	if st != nil {
		out.Running = st.running
		out.PendingFiles = len(st.pending)
		out.LastTxID = st.lastTxID
		out.LastCompleted = st.lastCompleted
	}
	o.mu.Unlock()

	out.RecentErrors = o.ledger.Recent(projectID)
	return out
}

func (o *Orchestrator) state(projectID string) *projectState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.projects[projectID]
	if !ok {
		st = &projectState{
			limiter: rate.NewLimiter(rate.Limit(float64(o.cfg.WatcherRatePerMinute)/60.0), 2),
			pending: make(map[string]struct{}),
		}
		o.projects[projectID] = st
	}
	return st
}

// runOnce executes one build covering everything queued right now.
func (o *Orchestrator) runOnce(projectID string) {
	o.mu.Lock()
	st := o.projects[projectID]
	if st == nil || (!st.pendingFull && len(st.pending) == 0) {
		o.mu.Unlock()
		return
	}
	mode := ModeIncremental
	var files []string
	if st.pendingFull {
		mode = ModeFull
	} else {
		files = make([]string, 0, len(st.pending))
		for f := range st.pending {
			files = append(files, f)
		}
	}
	req := st.nextReq
	txID := st.nextTxID
	st.pendingFull = false
	st.pending = make(map[string]struct{})
	st.running = true
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BuildTimeout)
	defer cancel()
	start := time.Now()

	err := o.build(ctx, projectID, req, mode, files, txID)

	result := "ok"
	if err != nil {
		result = "error"
		o.ledger.Record(BuildError{
			TxID:      txID,
			ProjectID: projectID,
			Mode:      string(mode),
			Message:   err.Error(),
		})
		o.logger.Error("rebuild failed",
			"project_id", projectID, "mode", mode, "tx_id", txID, "error", err)
	}
	rebuildTotal.WithLabelValues(string(mode), string(req.Trigger), result).Inc()
	rebuildDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())

	o.mu.Lock()
	st.running = false
	if err == nil {
		st.lastTxID = txID
		st.lastCompleted = graph.NowMilli()
	}
	o.mu.Unlock()
}

// build mutates the graph and runs the post-build hook chain.
//
// The GRAPH_TX node is written first, before any analysis or graph
// mutation, so a failed build still leaves an audit record of the
// attempt behind.
func (o *Orchestrator) build(ctx context.Context, projectID string, req Request, mode Mode, files []string, txID string) error {
	tx := &graph.Tx{
		ID:        txID,
		ProjectID: projectID,
		Type:      graph.TxType(string(mode) + "_rebuild"),
		Mode:      string(mode),
		Timestamp: graph.NowMilli(),
		SourceDir: req.SourceDir,
		GitCommit: req.GitCommit,
		AgentID:   req.AgentID,
	}
	if o.store.Connected() {
		if err := o.store.AppendTx(ctx, tx); err != nil {
			return fmt.Errorf("append tx: %w", err)
		}
	} else {
		o.logger.Warn("graph store disconnected, skipping tx persistence",
			"tx_id", txID, "project_id", projectID)
	}

	var scanFiles []string
	if mode == ModeIncremental {
		scanFiles = files
	}
	analysis, err := o.analyzer.Analyze(ctx, projectID, req.SourceDir, scanFiles)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	rebuildFilesScanned.Observe(float64(analysis.FilesScanned))

	newIDs := make(map[string]struct{}, len(analysis.Nodes))
	for _, n := range analysis.Nodes {
		newIDs[n.ID] = struct{}{}
		if err := o.store.UpsertNode(ctx, n); err != nil {
			return fmt.Errorf("upsert %s: %w", n.ID, err)
		}
	}
	for _, r := range analysis.Relationships {
		if err := o.store.AddRelationship(ctx, r); err != nil {
			return fmt.Errorf("relationship %s: %w", r.ID, err)
		}
	}

	if err := o.endStale(ctx, projectID, mode, files, newIDs); err != nil {
		return err
	}

	o.runHooks(ctx, projectID, mode)
	return nil
}

// endStale closes rows for symbols that no longer exist.
//
// Full builds end every live source node absent from the new analysis.
// Incremental builds only end nodes under the changed paths, so
// untouched files keep their rows.
func (o *Orchestrator) endStale(ctx context.Context, projectID string, mode Mode, changed []string, newIDs map[string]struct{}) error {
	live, err := o.store.Nodes(ctx, projectID, graph.NodeFilter{
		Types:    []graph.NodeType{graph.NodeFile, graph.NodeFunction, graph.NodeClass},
		LiveOnly: true,
	})
	if err != nil {
		return fmt.Errorf("list live nodes: %w", err)
	}

	changedSet := make(map[string]struct{}, len(changed))
	for _, f := range changed {
		changedSet[filepath.ToSlash(f)] = struct{}{}
	}

	now := graph.NowMilli()
	for _, n := range live {
		if _, stillThere := newIDs[n.ID]; stillThere {
			continue
		}
		if mode == ModeIncremental {
			if _, touched := changedSet[n.Prop("path")]; !touched {
				continue
			}
		}
		if err := o.store.EndNode(ctx, projectID, n.ID, now); err != nil && !errors.Is(err, graph.ErrNodeNotFound) {
			return fmt.Errorf("end %s: %w", n.ID, err)
		}
	}
	return nil
}

// runHooks executes the post-build chain. Hook failures are logged,
// never fatal: the graph mutation already succeeded.
func (o *Orchestrator) runHooks(ctx context.Context, projectID string, mode Mode) {
	if o.claims != nil {
		if n, err := o.claims.InvalidateStale(ctx, projectID); err != nil {
			o.logger.Warn("claim invalidation failed", "project_id", projectID, "error", err)
		} else if n > 0 {
			o.logger.Info("stale claims invalidated", "project_id", projectID, "count", n)
		}
	}

	if o.embeddings != nil {
		switch mode {
		case ModeIncremental:
			o.embeddings.MarkDirty(projectID)
		case ModeFull:
			if _, err := o.embeddings.Regenerate(ctx, projectID); err != nil {
				o.logger.Warn("embedding regeneration failed",
					"project_id", projectID, "error", err)
			}
		}
	}

	if mode == ModeFull {
		if _, err := graph.DetectCommunities(ctx, o.store, projectID); err != nil {
			o.logger.Warn("community detection failed", "project_id", projectID, "error", err)
		}
	}

	if err := o.store.EnsureLexicalIndex(ctx, projectID); err != nil {
		o.logger.Warn("lexical index refresh failed", "project_id", projectID, "error", err)
	}
}
