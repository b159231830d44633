// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envelope

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOkEnvelope(t *testing.T) {
	env := Okf(map[string]any{"count": 3}, "%d rows", 3)
	if !env.OK {
		t.Fatal("expected ok envelope")
	}
	if env.Summary != "3 rows" {
		t.Errorf("summary = %q, want %q", env.Summary, "3 rows")
	}
	if env.Error != nil {
		t.Error("ok envelope must not carry an error")
	}
}

func TestErrRecoverable(t *testing.T) {
	tests := []struct {
		code        string
		recoverable bool
	}{
		{CodeToolNotFound, false},
		{CodeElementNotFound, true},
		{CodeEpisodeAddInvalidMetadata, true},
		{CodeWorkspacePathSandboxed, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			env := Err(tt.code, "boom")
			if env.OK {
				t.Fatal("expected error envelope")
			}
			if env.Error.Recoverable != tt.recoverable {
				t.Errorf("recoverable = %v, want %v", env.Error.Recoverable, tt.recoverable)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	env := Err(CodeElementNotFound, "no such symbol")
	if !env.IsCode(CodeElementNotFound) {
		t.Error("IsCode should match the envelope code")
	}
	if env.IsCode(CodeToolNotFound) {
		t.Error("IsCode must not match other codes")
	}
	if Ok(nil).IsCode(CodeElementNotFound) {
		t.Error("success envelopes never match a code")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		root string
		want string
	}{
		{"under root", "/tmp/proj/src/a.go", "/tmp/proj", "src/a.go"},
		{"outside root", "/etc/passwd", "/tmp/proj", "/etc/passwd"},
		{"already relative", "src/a.go", "/tmp/proj", "src/a.go"},
		{"no root", "/tmp/proj/src/a.go", "", "/tmp/proj/src/a.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalPath(tt.path, tt.root); got != tt.want {
				t.Errorf("CanonicalPath(%q, %q) = %q, want %q", tt.path, tt.root, got, tt.want)
			}
		})
	}
}

func TestShapeCanonicalizesNestedPaths(t *testing.T) {
	s := &Shaper{WorkspaceRoot: "/tmp/proj", Profile: ProfileFull}
	env := Ok(map[string]any{
		"file": "/tmp/proj/src/a.go",
		"symbols": []any{
			map[string]any{"path": "/tmp/proj/src/b.go", "name": "B"},
		},
	})

	shaped := s.Shape("graph_query", env)
	data := shaped.Data.(map[string]any)
	if data["file"] != "src/a.go" {
		t.Errorf("file = %v, want src/a.go", data["file"])
	}
	inner := data["symbols"].([]any)[0].(map[string]any)
	if inner["path"] != "src/b.go" {
		t.Errorf("nested path = %v, want src/b.go", inner["path"])
	}
	if inner["name"] != "B" {
		t.Error("non-path keys must pass through")
	}
	if shaped.Tool != "graph_query" {
		t.Errorf("tool = %q, want graph_query", shaped.Tool)
	}
}

func TestShapeCompactProfile(t *testing.T) {
	long := strings.Repeat("x", compactMaxStringLen+50)
	items := make([]any, compactMaxListLen+10)
	for i := range items {
		items[i] = i
	}
	s := &Shaper{Profile: ProfileCompact}

	env := s.Shape("t", Ok(map[string]any{"snippet": long, "items": items}))
	data := env.Data.(map[string]any)
	if got := len(data["items"].([]any)); got != compactMaxListLen {
		t.Errorf("items len = %d, want %d", got, compactMaxListLen)
	}
	snippet := data["snippet"].(string)
	if len(snippet) > compactMaxStringLen+2 || !strings.HasSuffix(snippet, "…") {
		t.Errorf("snippet not truncated: len=%d", len(snippet))
	}
}

func TestShapeCompactKeepsValidUTF8(t *testing.T) {
	// Three-byte runes guarantee the byte cap lands mid-rune.
	long := strings.Repeat("→", compactMaxStringLen)
	s := &Shaper{Profile: ProfileCompact}

	env := s.Shape("t", Ok(map[string]any{"snippet": long}))
	snippet := env.Data.(map[string]any)["snippet"].(string)
	if !utf8.ValidString(snippet) {
		t.Error("compacted string is not valid UTF-8")
	}
	if !strings.HasSuffix(snippet, "…") {
		t.Errorf("snippet missing ellipsis: %q", snippet[len(snippet)-8:])
	}
}

func TestShapeNilEnvelope(t *testing.T) {
	s := &Shaper{}
	env := s.Shape("t", nil)
	if env.OK || env.Error == nil {
		t.Fatal("nil envelope must shape to an error")
	}
}
