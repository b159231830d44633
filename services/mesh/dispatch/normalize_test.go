// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name         string
		tool         string
		args         map[string]any
		wantArgs     map[string]any
		wantWarnings []string
	}{
		{
			name:         "impact_analyze maps changedFiles",
			tool:         "impact_analyze",
			args:         map[string]any{"changedFiles": []any{"src/baz.ts"}, "depth": float64(2)},
			wantArgs:     map[string]any{"files": []any{"src/baz.ts"}, "depth": float64(2)},
			wantWarnings: []string{"mapped changedFiles -> files"},
		},
		{
			name:         "impact_analyze leaves canonical files alone",
			tool:         "impact_analyze",
			args:         map[string]any{"files": []any{"src/baz.ts"}},
			wantArgs:     map[string]any{"files": []any{"src/baz.ts"}},
			wantWarnings: nil,
		},
		{
			name:         "progress_query active status",
			tool:         "progress_query",
			args:         map[string]any{"status": "active"},
			wantArgs:     map[string]any{"status": "in-progress"},
			wantWarnings: []string{`mapped status "active" -> "in-progress"`},
		},
		{
			name:         "progress_query all status dropped",
			tool:         "progress_query",
			args:         map[string]any{"status": "all"},
			wantArgs:     map[string]any{},
			wantWarnings: []string{`dropped status "all"`},
		},
		{
			name:         "progress_query derives type",
			tool:         "progress_query",
			args:         map[string]any{"query": "which features shipped"},
			wantArgs:     map[string]any{"query": "which features shipped", "type": "feature"},
			wantWarnings: []string{"derived type from query text"},
		},
		{
			name:         "progress_query explicit type wins",
			tool:         "progress_query",
			args:         map[string]any{"query": "feature work", "type": "task"},
			wantArgs:     map[string]any{"query": "feature work", "type": "task"},
			wantWarnings: nil,
		},
		{
			name:         "task_update active status",
			tool:         "task_update",
			args:         map[string]any{"taskId": "task:1", "status": "active"},
			wantArgs:     map[string]any{"taskId": "task:1", "status": "in-progress"},
			wantWarnings: []string{`mapped status "active" -> "in-progress"`},
		},
		{
			name:         "graph_set_workspace workspacePath alias",
			tool:         "graph_set_workspace",
			args:         map[string]any{"workspacePath": "/tmp/r", "projectId": "p1"},
			wantArgs:     map[string]any{"workspaceRoot": "/tmp/r", "projectId": "p1"},
			wantWarnings: []string{"mapped workspacePath -> workspaceRoot"},
		},
		{
			name:         "graph_rebuild workspacePath alias",
			tool:         "graph_rebuild",
			args:         map[string]any{"workspacePath": "/tmp/r"},
			wantArgs:     map[string]any{"workspaceRoot": "/tmp/r"},
			wantWarnings: []string{"mapped workspacePath -> workspaceRoot"},
		},
		{
			name:         "unrelated tool untouched",
			tool:         "graph_query",
			args:         map[string]any{"status": "active"},
			wantArgs:     map[string]any{"status": "active"},
			wantWarnings: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := Normalize(tt.tool, tt.args)
			if !reflect.DeepEqual(got, tt.wantArgs) {
				t.Errorf("args = %v, want %v", got, tt.wantArgs)
			}
			if !reflect.DeepEqual(warnings, tt.wantWarnings) {
				t.Errorf("warnings = %v, want %v", warnings, tt.wantWarnings)
			}

			// Idempotency: a second pass changes nothing and warns
			// about nothing.
			again, warnings2 := Normalize(tt.tool, got)
			if !reflect.DeepEqual(again, got) {
				t.Errorf("second pass mutated args: %v -> %v", got, again)
			}
			if len(warnings2) != 0 {
				t.Errorf("second pass warned: %v", warnings2)
			}
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"changedFiles": []any{"a.ts"}}
	Normalize("impact_analyze", in)
	if _, ok := in["files"]; ok {
		t.Error("input map was mutated")
	}
	if _, ok := in["changedFiles"]; !ok {
		t.Error("input key removed")
	}
}
