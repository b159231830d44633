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
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// AsOfParam is the query parameter name injected temporal predicates
// reference.
const AsOfParam = "$asOfTs"

// =============================================================================
// Temporal query rewriting
// =============================================================================

// clause marks a top-level clause in a graph query.
type clause struct {
	keyword   string // normalized, e.g. "MATCH", "OPTIONAL MATCH", "WHERE"
	start     int    // byte offset of the keyword
	bodyStart int    // byte offset just past the keyword
}

// topLevelKeywords are the clause keywords recognized by the scanner.
// Longest-match first so OPTIONAL MATCH wins over MATCH.
var topLevelKeywords = []string{
	"OPTIONAL MATCH", "DETACH DELETE", "ORDER BY",
	"MATCH", "WHERE", "WITH", "RETURN", "UNWIND", "CALL", "MERGE",
	"CREATE", "DELETE", "SET", "REMOVE", "SKIP", "LIMIT", "FOREACH",
	"UNION",
}

// ApplyTemporalFilter injects validity predicates into a Cypher-like
// query so it reads the graph as of $asOfTs.
//
// # Description
//
// The query is scanned into top-level clauses (string literals and
// bracketed subexpressions are opaque to the scanner). For every
// MATCH / OPTIONAL MATCH segment, each node pattern variable v gains the
// predicate
//
//	v.validFrom <= $asOfTs AND (v.validTo IS NULL OR v.validTo > $asOfTs)
//
// appended to the segment's WHERE clause, or spliced in as a new WHERE
// before the next top-level clause. Queries with no pattern variables
// are returned unchanged.
//
// # Outputs
//
//   - string: The rewritten query.
//   - bool: Whether any predicate was injected.
func ApplyTemporalFilter(query string) (string, bool) {
	clauses := scanClauses(query)
	if len(clauses) == 0 {
		return query, false
	}

	type edit struct {
		at     int    // insertion offset
		text   string // inserted text
	}
	var edits []edit

	for i, c := range clauses {
		if c.keyword != "MATCH" && c.keyword != "OPTIONAL MATCH" {
			continue
		}
		bodyEnd := len(query)
		if i+1 < len(clauses) {
			bodyEnd = clauses[i+1].start
		}
		vars := patternVariables(query[c.bodyStart:bodyEnd])
		if len(vars) == 0 {
			continue
		}
		pred := temporalPredicate(vars)

		if i+1 < len(clauses) && clauses[i+1].keyword == "WHERE" {
			whereEnd := len(query)
			if i+2 < len(clauses) {
				whereEnd = clauses[i+2].start
			}
			at := trailingContentEnd(query, whereEnd)
			edits = append(edits, edit{at: at, text: " AND " + pred})
		} else {
			at := trailingContentEnd(query, bodyEnd)
			edits = append(edits, edit{at: at, text: " WHERE " + pred})
		}
	}

	if len(edits) == 0 {
		return query, false
	}

	// Apply back to front so earlier offsets stay valid.
	var b strings.Builder
	last := len(query)
	parts := make([]string, 0, len(edits)*2+1)
	for i := len(edits) - 1; i >= 0; i-- {
		parts = append(parts, query[edits[i].at:last], edits[i].text)
		last = edits[i].at
	}
	parts = append(parts, query[:last])
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	return b.String(), true
}

func temporalPredicate(vars []string) string {
	terms := make([]string, 0, len(vars))
	for _, v := range vars {
		terms = append(terms,
			v+".validFrom <= "+AsOfParam+" AND ("+v+".validTo IS NULL OR "+v+".validTo > "+AsOfParam+")")
	}
	return strings.Join(terms, " AND ")
}

// trailingContentEnd walks back over whitespace so inserts land directly
// after the clause content.
func trailingContentEnd(query string, end int) int {
	for end > 0 && unicode.IsSpace(rune(query[end-1])) {
		end--
	}
	return end
}

// scanClauses finds top-level clause keywords, ignoring string literals
// and anything nested in (), [], or {}.
func scanClauses(query string) []clause {
	var clauses []clause
	depth := 0
	i := 0
	for i < len(query) {
		ch := query[i]
		switch ch {
		case '\'', '"', '`':
			i = skipString(query, i)
			continue
		case '(', '[', '{':
			depth++
			i++
			continue
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
			i++
			continue
		}
		if depth > 0 || !wordBoundaryBefore(query, i) {
			i++
			continue
		}
		matched := ""
		for _, kw := range topLevelKeywords {
			if matchKeyword(query, i, kw) {
				matched = kw
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		clauses = append(clauses, clause{
			keyword:   matched,
			start:     i,
			bodyStart: i + len(matched),
		})
		i += len(matched)
	}
	return clauses
}

func skipString(query string, start int) int {
	quote := query[start]
	for i := start + 1; i < len(query); i++ {
		if query[i] == '\\' {
			i++
			continue
		}
		if query[i] == quote {
			return i + 1
		}
	}
	return len(query)
}

func wordBoundaryBefore(query string, i int) bool {
	if i == 0 {
		return true
	}
	return !isIdentChar(query[i-1])
}

func matchKeyword(query string, i int, kw string) bool {
	if i+len(kw) > len(query) {
		return false
	}
	if !strings.EqualFold(query[i:i+len(kw)], kw) {
		return false
	}
	end := i + len(kw)
	return end == len(query) || !isIdentChar(query[end])
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// patternVariables extracts node pattern variables from a MATCH body:
// identifiers directly after '(' that are not function calls and not
// inside property maps. Order of first appearance, deduplicated.
func patternVariables(body string) []string {
	var vars []string
	seen := make(map[string]bool)
	braceDepth := 0
	prevNonSpace := byte(0)

	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch ch {
		case '\'', '"', '`':
			i = skipString(body, i) - 1
			continue
		case '{':
			braceDepth++
		case '}':
			if braceDepth > 0 {
				braceDepth--
			}
		case '(':
			// A '(' preceded by an identifier char is a function call.
			if braceDepth == 0 && !isIdentChar(prevNonSpace) {
				name, _ := readIdent(body, i+1)
				if name != "" && !seen[name] {
					seen[name] = true
					vars = append(vars, name)
				}
			}
		}
		if !unicode.IsSpace(rune(ch)) {
			prevNonSpace = ch
		}
	}
	return vars
}

func readIdent(body string, start int) (string, int) {
	i := start
	for i < len(body) && unicode.IsSpace(rune(body[i])) {
		i++
	}
	j := i
	for j < len(body) && isIdentChar(body[j]) {
		j++
	}
	if j == i {
		return "", start
	}
	// Must be a node variable: followed by ':', ')', whitespace, '{', or
	// a relationship arrow start.
	if j < len(body) {
		switch body[j] {
		case ':', ')', '{', ' ', '\t', '\n', '\r':
		default:
			return "", start
		}
	}
	return body[i:j], j
}

// =============================================================================
// Since-anchor resolution
// =============================================================================

// Anchor is a resolved temporal reference.
type Anchor struct {
	SinceTs     int64  `json:"sinceTs"`
	Mode        string `json:"mode"` // transaction | timestamp | commit | agent
	AnchorValue string `json:"anchorValue"`
}

// ResolveSinceAnchor resolves a user-supplied anchor string to an epoch
// millisecond boundary.
//
// # Description
//
// The input is tried as, in order: a transaction id (UUID or tx- prefix),
// a numeric or ISO-8601 timestamp, a 7–40 character hex git commit, and
// finally an agent id. Non-timestamp attempts look up GRAPH_TX rows by
// the relevant property; the first match wins.
//
// # Outputs
//
//   - *Anchor: The resolution, or nil with ErrNodeNotFound when nothing
//     matched.
func ResolveSinceAnchor(ctx context.Context, store Store, projectID, raw string) (*Anchor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNodeNotFound
	}

	if looksLikeTxID(raw) {
		if tx, err := store.FindTx(ctx, projectID, "id", raw); err == nil {
			return &Anchor{SinceTs: tx.Timestamp, Mode: "transaction", AnchorValue: raw}, nil
		}
	}

	if ms, ok := parseTimestamp(raw); ok {
		return &Anchor{SinceTs: ms, Mode: "timestamp", AnchorValue: raw}, nil
	}

	if looksLikeCommit(raw) {
		if tx, err := store.FindTx(ctx, projectID, "gitCommit", raw); err == nil {
			return &Anchor{SinceTs: tx.Timestamp, Mode: "commit", AnchorValue: raw}, nil
		}
	}

	if tx, err := store.FindTx(ctx, projectID, "agentId", raw); err == nil {
		return &Anchor{SinceTs: tx.Timestamp, Mode: "agent", AnchorValue: raw}, nil
	}

	return nil, ErrNodeNotFound
}

func looksLikeTxID(s string) bool {
	if strings.HasPrefix(s, "tx-") {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func parseTimestamp(s string) (int64, bool) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), true
	}
	// Date-only form.
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}

func looksLikeCommit(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
