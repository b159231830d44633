// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch implements the per-session filesystem watcher that feeds
// incremental graph rebuilds.
//
// Raw fsnotify events are coalesced into batches after a debounce window
// of quiescence, deduplicated per path, and delivered to a single
// callback together with the owning project context. The callback runs
// on the watcher's own goroutine; it must hand work off rather than
// block.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is the observable lifecycle state of a watcher.
type State string

const (
	StateNotStarted State = "not_started"
	StateIdle       State = "idle"
	StateCoalescing State = "coalescing"
	StateRebuilding State = "rebuilding"
)

// Batch is one debounced set of file changes for a project.
type Batch struct {
	ProjectID     string   `json:"projectId"`
	WorkspaceRoot string   `json:"workspaceRoot"`
	SourceDir     string   `json:"sourceDir"`
	ChangedFiles  []string `json:"changedFiles"`
}

// BatchHandler receives debounced change batches. The watcher stays in
// StateRebuilding until the handler returns.
type BatchHandler func(batch Batch)

// Options configures a Watcher.
type Options struct {
	// ProjectID identifies the project the batches belong to.
	ProjectID string

	// WorkspaceRoot is the workspace root directory.
	WorkspaceRoot string

	// SourceDir is the directory tree to watch. Must exist.
	SourceDir string

	// Debounce is how long to wait for quiescence before flushing.
	// Default: 500ms.
	Debounce time.Duration

	// IgnorePatterns are names/globs to skip.
	// Default: DefaultIgnorePatterns.
	IgnorePatterns []string

	// BufferSize is the raw event channel capacity. Default: 1024.
	BufferSize int
}

// DefaultIgnorePatterns covers the usual build and VCS noise.
var DefaultIgnorePatterns = []string{
	".git", "node_modules", "dist", ".next", "__tests__", "coverage",
	".idea", "__pycache__", "*.swp", "*.tmp",
}

const (
	defaultDebounce   = 500 * time.Millisecond
	defaultBufferSize = 1024
)

// Watcher watches a source tree and delivers debounced change batches.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is invoked from a single
// goroutine; batches never overlap.
type Watcher struct {
	opts    Options
	fsw     *fsnotify.Watcher
	handler BatchHandler

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	state   State
	pending int
}

// New creates a watcher for the given source tree. Call Start to begin
// watching.
func New(opts Options, handler BatchHandler) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if len(opts.IgnorePatterns) == 0 {
		opts.IgnorePatterns = DefaultIgnorePatterns
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		opts:    opts,
		fsw:     fsw,
		handler: handler,
		changes: make(chan string, opts.BufferSize),
		done:    make(chan struct{}),
		state:   StateNotStarted,
	}, nil
}

// Start begins watching. Spawns the event processor and the debouncer;
// both exit on Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateNotStarted {
		w.mu.Unlock()
		return nil
	}
	w.state = StateIdle
	w.mu.Unlock()

	if err := w.addRecursive(w.opts.SourceDir); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()

		w.mu.Lock()
		w.state = StateNotStarted
		w.pending = 0
		w.mu.Unlock()
	})
	return err
}

// State returns the current lifecycle state and pending change count.
func (w *Watcher) State() (State, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state, w.pending
}

func (w *Watcher) setState(s State, pending int) {
	w.mu.Lock()
	w.state = s
	w.pending = pending
	w.mu.Unlock()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable subtrees are skipped, not fatal.
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			// Newly created directories join the watch set.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
					continue
				}
			}

			select {
			case w.changes <- event.Name:
			default:
				// Buffer full; the debouncer will flush soon anyway.
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	batch := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			files := make([]string, 0, len(batch))
			for path := range batch {
				if rel, err := filepath.Rel(w.opts.SourceDir, path); err == nil && !strings.HasPrefix(rel, "..") {
					files = append(files, filepath.ToSlash(rel))
				} else {
					files = append(files, path)
				}
			}
			clear(batch)
			sort.Strings(files)

			w.setState(StateRebuilding, 0)
			w.handler(Batch{
				ProjectID:     w.opts.ProjectID,
				WorkspaceRoot: w.opts.WorkspaceRoot,
				SourceDir:     w.opts.SourceDir,
				ChangedFiles:  files,
			})
		}
		w.setState(StateIdle, 0)
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case path := <-w.changes:
			batch[path] = struct{}{}
			w.setState(StateCoalescing, len(batch))
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
