// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docs indexes and searches project documentation and
// reference library docs: markdown files are chunked and stored in the
// vector store's LibraryDoc collection for keyword retrieval.
package docs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Sentinel errors for documentation operations.
var (
	// ErrRefRepoMissing indicates the requested reference repo was
	// never indexed.
	ErrRefRepoMissing = errors.New("reference repo not indexed")

	// ErrRefNotFound indicates the query matched nothing in the repo.
	ErrRefNotFound = errors.New("no reference documentation matched")
)

// Doc is one indexed documentation chunk.
type Doc struct {
	DocID     string `json:"docId"`
	ProjectID string `json:"projectId"`
	// Library scopes reference docs ("" for project docs).
	Library string  `json:"library,omitempty"`
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Chunk   int     `json:"chunk"`
	Score   float64 `json:"score,omitempty"`
}

// Backend stores and searches documentation chunks. The production
// implementation is the Weaviate LibraryDoc collection.
type Backend interface {
	IndexDocs(ctx context.Context, docs []Doc) (int, error)
	SearchDocs(ctx context.Context, projectID, library, query string, limit int) ([]Doc, error)
	Libraries(ctx context.Context, projectID string) ([]string, error)
}

const (
	chunkSize    = 1000
	chunkOverlap = 200

	defaultSearchLimit = 8
)

// docExtensions are the file types picked up by IndexDir.
var docExtensions = map[string]bool{
	".md": true, ".mdx": true, ".rst": true, ".txt": true,
}

// Service chunks, indexes and searches documentation.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	backend  Backend
	splitter textsplitter.TextSplitter
	logger   *slog.Logger
}

// NewService wires a docs service.
func NewService(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		logger: logger,
	}
}

// IndexDir walks the directory, chunks every documentation file and
// indexes the chunks. library is empty for project docs and the module
// path for reference repos.
//
// # Outputs
//
//   - int: chunks indexed.
//   - error: walk or backend failures.
func (s *Service) IndexDir(ctx context.Context, projectID, library, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("docs dir %q: %w", dir, os.ErrNotExist)
	}

	var batch []Doc
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !docExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		chunks, serr := s.splitter.SplitText(string(raw))
		if serr != nil {
			s.logger.Warn("failed to split doc", "path", rel, "error", serr)
			return nil
		}
		for i, chunk := range chunks {
			batch = append(batch, Doc{
				DocID:     fmt.Sprintf("%s:%s:%s#%d", projectID, library, rel, i),
				ProjectID: projectID,
				Library:   library,
				Source:    rel,
				Title:     docTitle(string(raw), rel),
				Content:   chunk,
				Chunk:     i,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	indexed, err := s.backend.IndexDocs(ctx, batch)
	if err != nil {
		return indexed, fmt.Errorf("index docs: %w", err)
	}
	s.logger.Info("documentation indexed",
		"project_id", projectID, "library", library, "chunks", indexed)
	return indexed, nil
}

// Search finds project documentation chunks for the query.
func (s *Service) Search(ctx context.Context, projectID, query string, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.backend.SearchDocs(ctx, projectID, "", query, limit)
}

// RefQuery searches a reference library's indexed documentation.
//
// # Outputs
//
//   - []Doc: matching chunks.
//   - error: ErrRefRepoMissing when the library was never indexed,
//     ErrRefNotFound when the query matches nothing in it.
func (s *Service) RefQuery(ctx context.Context, projectID, library, query string, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	libs, err := s.backend.Libraries(ctx, projectID)
	if err != nil {
		return nil, err
	}
	known := false
	for _, l := range libs {
		if l == library {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q (indexed: %v)", ErrRefRepoMissing, library, libs)
	}

	docs, err := s.backend.SearchDocs(ctx, projectID, library, query, limit)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %q in %q", ErrRefNotFound, query, library)
	}
	return docs, nil
}

// docTitle extracts the first markdown heading, falling back to the
// file name.
func docTitle(raw, rel string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(after)
		}
	}
	return filepath.Base(rel)
}
