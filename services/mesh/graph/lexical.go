// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters. Standard Robertson/Walker values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// lexicalHit is a scored document id from the BM25 index.
type lexicalHit struct {
	ID    string
	Score float64
}

// bm25Index is a small in-memory BM25 index over symbol names and paths.
//
// Documents are added, then Finalize computes corpus statistics. The
// index is immutable after Finalize; the store rebuilds it when node
// names change.
type bm25Index struct {
	docs      map[string]map[string]int // doc id -> term -> frequency
	docLen    map[string]int
	termDocs  map[string]int // term -> number of docs containing it
	totalLen  int
	avgDocLen float64
	finalized bool
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		docs:     make(map[string]map[string]int),
		docLen:   make(map[string]int),
		termDocs: make(map[string]int),
	}
}

// Add indexes a document. Must be called before Finalize.
func (idx *bm25Index) Add(id, text string) {
	terms := lexicalTokens(text)
	if len(terms) == 0 {
		return
	}
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	idx.docs[id] = tf
	idx.docLen[id] = len(terms)
	idx.totalLen += len(terms)
	for t := range tf {
		idx.termDocs[t]++
	}
}

// Finalize computes corpus statistics.
func (idx *bm25Index) Finalize() {
	if len(idx.docs) > 0 {
		idx.avgDocLen = float64(idx.totalLen) / float64(len(idx.docs))
	}
	idx.finalized = true
}

// Search scores all documents against the query, best first.
func (idx *bm25Index) Search(query string, limit int) []lexicalHit {
	if !idx.finalized || len(idx.docs) == 0 {
		return nil
	}
	qTerms := lexicalTokens(query)
	if len(qTerms) == 0 {
		return nil
	}

	n := float64(len(idx.docs))
	var hits []lexicalHit
	for id, tf := range idx.docs {
		var score float64
		dl := float64(idx.docLen[id])
		for _, term := range qTerms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			df := float64(idx.termDocs[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/idx.avgDocLen))
		}
		if score > 0 {
			hits = append(hits, lexicalHit{ID: id, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// lexicalTokens lowercases and splits on non-alphanumerics, then splits
// camelCase humps so "parseConfigFile" matches "config".
func lexicalTokens(text string) []string {
	var tokens []string
	for _, raw := range splitNonAlnum(text) {
		for _, hump := range splitCamel(raw) {
			hump = strings.ToLower(hump)
			if len(hump) > 1 {
				tokens = append(tokens, hump)
			}
		}
	}
	return tokens
}

func splitNonAlnum(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func splitCamel(word string) []string {
	var parts []string
	start := 0
	runes := []rune(word)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && !unicode.IsUpper(runes[i-1]) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}
