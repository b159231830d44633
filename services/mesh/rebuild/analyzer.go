// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rebuild orchestrates graph construction from source trees:
// full and incremental rebuilds, the append-only transaction ledger,
// post-build hooks (claim GC, embedding refresh, community detection,
// lexical index), and the build error ledger.
package rebuild

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
)

// DefaultExcludes are directory names never scanned or watched.
var DefaultExcludes = []string{
	"node_modules", "dist", ".next", "__tests__", "coverage", ".git",
}

// sourceExtensions maps recognized file extensions to a language tag.
var sourceExtensions = map[string]string{
	".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript",
	".go": "go", ".py": "python",
}

// Analysis is the extracted structure of a source tree (or a subset of
// its files, for incremental builds).
type Analysis struct {
	Nodes         []*graph.Node
	Relationships []*graph.Relationship
	FilesScanned  int
}

// Analyzer extracts graph structure from source files. Language
// servers or tree-sitter based parsers plug in here; the built-in
// RegexAnalyzer covers the common cases without external processes.
type Analyzer interface {
	// Analyze scans the source dir. When files is non-nil only those
	// source-relative paths are analyzed.
	Analyze(ctx context.Context, projectID, sourceDir string, files []string) (*Analysis, error)
}

// RegexAnalyzer is the built-in line-oriented symbol extractor.
//
// It recognizes function, class/type and import declarations in
// TypeScript, JavaScript, Go and Python. Good enough to drive
// retrieval; precise call graphs come from plugged-in parsers.
type RegexAnalyzer struct {
	// Excludes overrides DefaultExcludes when non-nil.
	Excludes []string

	// SnippetLines caps the snippet captured per symbol.
	SnippetLines int
}

var (
	reFunc = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\(`),
		regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?([A-Za-z_]\w*)\s*\(`),
		regexp.MustCompile(`^\s*def\s+([A-Za-z_]\w*)\s*\(`),
	}
	reClass = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^type\s+([A-Za-z_]\w*)\s+(?:struct|interface)\b`),
		regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`),
	}
	// Import forms are language-specific to keep edge targets clean.
	reImport = map[string][]*regexp.Regexp{
		"typescript": {
			regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`),
			regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`),
		},
		"javascript": {
			regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`),
			regexp.MustCompile(`^\s*(?:const|let|var)\s+.*?=\s*require\(['"]([^'"]+)['"]\)`),
		},
		"go": {
			regexp.MustCompile(`^import\s+"([^"]+)"`),
			regexp.MustCompile(`^\t(?:\w+\s+)?"([^"]+)"$`),
		},
		"python": {
			regexp.MustCompile(`^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`),
		},
	}
)

// Analyze walks the tree (or the given files) and extracts symbols.
func (a *RegexAnalyzer) Analyze(ctx context.Context, projectID, sourceDir string, files []string) (*Analysis, error) {
	excludes := a.Excludes
	if excludes == nil {
		excludes = DefaultExcludes
	}
	snippetLines := a.SnippetLines
	if snippetLines <= 0 {
		snippetLines = 12
	}

	if files == nil {
		var err error
		files, err = listSourceFiles(sourceDir, excludes)
		if err != nil {
			return nil, err
		}
	}

	out := &Analysis{}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := sourceExtensions[filepath.Ext(rel)]; !ok {
			continue
		}
		if err := a.analyzeFile(projectID, sourceDir, rel, snippetLines, out); err != nil {
			// Unreadable files are skipped; a vanished file is normal
			// during incremental builds.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("analyze %s: %w", rel, err)
		}
		out.FilesScanned++
	}
	return out, nil
}

func (a *RegexAnalyzer) analyzeFile(projectID, sourceDir, rel string, snippetLines int, out *Analysis) error {
	f, err := os.Open(filepath.Join(sourceDir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()

	fileID := "file:" + rel
	lang := sourceExtensions[filepath.Ext(rel)]
	now := graph.NowMilli()

	out.Nodes = append(out.Nodes, &graph.Node{
		ID:        fileID,
		ProjectID: projectID,
		Type:      graph.NodeFile,
		Properties: map[string]any{
			"name":     filepath.Base(rel),
			"path":     rel,
			"language": lang,
		},
		ValidFrom: now,
	})

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	addSymbol := func(nodeType graph.NodeType, kind, name string, lineNo int) {
		id := fmt.Sprintf("%s:%s:%s", strings.ToLower(string(nodeType)), rel, name)
		end := min(lineNo+snippetLines, len(lines))
		out.Nodes = append(out.Nodes, &graph.Node{
			ID:        id,
			ProjectID: projectID,
			Type:      nodeType,
			Properties: map[string]any{
				"name":    name,
				"path":    rel,
				"kind":    kind,
				"line":    lineNo + 1,
				"snippet": strings.Join(lines[lineNo:end], "\n"),
			},
			ValidFrom: now,
		})
		out.Relationships = append(out.Relationships, &graph.Relationship{
			ID:        fileID + "->" + id,
			ProjectID: projectID,
			From:      fileID,
			To:        id,
			Type:      graph.RelContains,
		})
	}

	for i, line := range lines {
		for _, re := range reFunc {
			if m := re.FindStringSubmatch(line); m != nil {
				addSymbol(graph.NodeFunction, "function", m[1], i)
				break
			}
		}
		for _, re := range reClass {
			if m := re.FindStringSubmatch(line); m != nil {
				addSymbol(graph.NodeClass, classKind(line), m[1], i)
				break
			}
		}
		for _, re := range reImport[lang] {
			if m := re.FindStringSubmatch(line); m != nil {
				target := m[1]
				importID := "import:" + target
				out.Relationships = append(out.Relationships, &graph.Relationship{
					ID:        fileID + "->" + importID,
					ProjectID: projectID,
					From:      fileID,
					To:        importID,
					Type:      graph.RelImports,
				})
				break
			}
		}
	}
	return nil
}

// classKind distinguishes interface and abstract declarations from
// plain classes so retrieval can expand them to implementations.
func classKind(line string) string {
	switch {
	case strings.Contains(line, "interface "):
		return "interface"
	case strings.Contains(line, "abstract "):
		return "abstract"
	default:
		return "class"
	}
}

// listSourceFiles walks the tree collecting source-relative paths,
// skipping excluded directories.
func listSourceFiles(sourceDir string, excludes []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			for _, ex := range excludes {
				if d.Name() == ex {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if _, ok := sourceExtensions[filepath.Ext(path)]; !ok {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}
