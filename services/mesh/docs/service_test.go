// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBackend stores docs in memory and searches by substring.
type fakeBackend struct {
	docs []Doc
}

func (f *fakeBackend) IndexDocs(_ context.Context, docs []Doc) (int, error) {
	f.docs = append(f.docs, docs...)
	return len(docs), nil
}

func (f *fakeBackend) SearchDocs(_ context.Context, projectID, library, query string, limit int) ([]Doc, error) {
	var out []Doc
	for _, d := range f.docs {
		if d.ProjectID != projectID || d.Library != library {
			continue
		}
		if strings.Contains(strings.ToLower(d.Content), strings.ToLower(query)) {
			out = append(out, d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) Libraries(_ context.Context, projectID string) ([]string, error) {
	seen := map[string]bool{}
	var libs []string
	for _, d := range f.docs {
		if d.ProjectID == projectID && d.Library != "" && !seen[d.Library] {
			seen[d.Library] = true
			libs = append(libs, d.Library)
		}
	}
	return libs, nil
}

func writeDoc(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexDirChunksAndTitles(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "README.md", "# Getting Started\n\n"+strings.Repeat("Install the thing. ", 200))
	writeDoc(t, dir, "guide/usage.md", "# Usage\n\nCall the API.")
	writeDoc(t, dir, "main.go", "package main") // not a doc

	fb := &fakeBackend{}
	s := NewService(fb, nil)

	n, err := s.IndexDir(context.Background(), "p1", "", dir)
	if err != nil {
		t.Fatalf("IndexDir: %v", err)
	}
	if n < 3 {
		t.Errorf("chunks = %d, want >= 3 (long README splits)", n)
	}

	sources := map[string]bool{}
	for _, d := range fb.docs {
		sources[d.Source] = true
		if d.Source == "README.md" && d.Title != "Getting Started" {
			t.Errorf("title = %q, want Getting Started", d.Title)
		}
		if strings.HasSuffix(d.Source, ".go") {
			t.Errorf("non-doc file indexed: %s", d.Source)
		}
	}
	if !sources["README.md"] || !sources["guide/usage.md"] {
		t.Errorf("sources = %v", sources)
	}
}

func TestIndexDirMissing(t *testing.T) {
	s := NewService(&fakeBackend{}, nil)
	if _, err := s.IndexDir(context.Background(), "p1", "", "/does/not/exist"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing dir = %v, want ErrNotExist", err)
	}
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "api.md", "# API\n\nThe retry budget defaults to three attempts.")
	fb := &fakeBackend{}
	s := NewService(fb, nil)
	ctx := context.Background()

	if _, err := s.IndexDir(ctx, "p1", "", dir); err != nil {
		t.Fatal(err)
	}
	got, err := s.Search(ctx, "p1", "retry budget", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("Search = %+v (%v), want 1 hit", got, err)
	}
}

func TestRefQuery(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "docs/context.md", "# Context\n\nJSON binds request bodies to structs.")
	fb := &fakeBackend{}
	s := NewService(fb, nil)
	ctx := context.Background()

	if _, err := s.IndexDir(ctx, "p1", "github.com/gin-gonic/gin", dir); err != nil {
		t.Fatal(err)
	}

	got, err := s.RefQuery(ctx, "p1", "github.com/gin-gonic/gin", "binds request", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("RefQuery = %+v (%v)", got, err)
	}

	if _, err := s.RefQuery(ctx, "p1", "github.com/unknown/lib", "anything", 5); !errors.Is(err, ErrRefRepoMissing) {
		t.Errorf("unknown repo = %v, want ErrRefRepoMissing", err)
	}
	if _, err := s.RefQuery(ctx, "p1", "github.com/gin-gonic/gin", "zzznothing", 5); !errors.Is(err, ErrRefNotFound) {
		t.Errorf("no match = %v, want ErrRefNotFound", err)
	}
}
