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
	"sync"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// LedgerCapacity is how many recent build errors are retained per
// project.
const LedgerCapacity = 10

// BuildError is one failed rebuild, kept for health reporting.
type BuildError struct {
	TxID      string `json:"txId"`
	ProjectID string `json:"projectId"`
	Mode      string `json:"mode"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorLedger keeps a fixed-size ring of recent build errors for each
// project. Rings are independent: a noisy project evicts only its own
// history, never another project's.
//
// # Thread Safety
//
// Safe for concurrent use.
type ErrorLedger struct {
	mu    sync.Mutex
	rings map[string]*errorRing
}

type errorRing struct {
	entries []BuildError
	next    int
	size    int
}

// NewErrorLedger creates an empty ledger. Rings are allocated lazily
// on the first error for a project.
func NewErrorLedger() *ErrorLedger {
	return &ErrorLedger{rings: make(map[string]*errorRing)}
}

// Record appends a build error to its project's ring, evicting that
// project's oldest entry when full.
func (l *ErrorLedger) Record(e BuildError) {
	if e.Timestamp == 0 {
		e.Timestamp = graph.NowMilli()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[e.ProjectID]
	if !ok {
		r = &errorRing{entries: make([]BuildError, LedgerCapacity)}
		l.rings[e.ProjectID] = r
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Recent returns the project's retained errors, newest first.
func (l *ErrorLedger) Recent(projectID string) []BuildError {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[projectID]
	if !ok {
		return nil
	}
	out := make([]BuildError, 0, r.size)
	for i := 1; i <= r.size; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Len returns the number of retained errors for the project.
func (l *ErrorLedger) Len(projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[projectID]
	if !ok {
		return 0
	}
	return r.size
}
