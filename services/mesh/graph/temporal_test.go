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
	"errors"
	"strings"
	"testing"
)

func TestApplyTemporalFilterNoOp(t *testing.T) {
	queries := []string{
		"RETURN 1",
		"SHOW DATABASES",
		"MATCH () RETURN count(*)",
	}
	for _, q := range queries {
		got, changed := ApplyTemporalFilter(q)
		if changed || got != q {
			t.Errorf("ApplyTemporalFilter(%q) changed: %q", q, got)
		}
	}
}

func TestApplyTemporalFilterInsertsWhere(t *testing.T) {
	q := "MATCH (n:FUNCTION) RETURN n"
	got, changed := ApplyTemporalFilter(q)
	if !changed {
		t.Fatal("expected rewrite")
	}
	want := "MATCH (n:FUNCTION) WHERE n.validFrom <= $asOfTs AND (n.validTo IS NULL OR n.validTo > $asOfTs) RETURN n"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestApplyTemporalFilterAppendsToExistingWhere(t *testing.T) {
	q := "MATCH (n:FILE) WHERE n.path = 'a.go' RETURN n"
	got, changed := ApplyTemporalFilter(q)
	if !changed {
		t.Fatal("expected rewrite")
	}
	if !strings.Contains(got, "WHERE n.path = 'a.go' AND n.validFrom <= $asOfTs") {
		t.Errorf("predicate not appended to WHERE: %q", got)
	}
	if strings.Count(got, "WHERE") != 1 {
		t.Errorf("must not add a second WHERE: %q", got)
	}
}

func TestApplyTemporalFilterMultipleVariables(t *testing.T) {
	q := "MATCH (a:FUNCTION)-[:CALLS]->(b:FUNCTION) RETURN a, b"
	got, _ := ApplyTemporalFilter(q)
	for _, v := range []string{"a", "b"} {
		if !strings.Contains(got, v+".validFrom <= $asOfTs") {
			t.Errorf("missing predicate for %s: %q", v, got)
		}
	}
}

func TestApplyTemporalFilterMultipleMatches(t *testing.T) {
	q := "MATCH (a:FILE) WITH a MATCH (b:FUNCTION) WHERE b.name = 'x' RETURN a, b"
	got, _ := ApplyTemporalFilter(q)
	if !strings.Contains(got, "MATCH (a:FILE) WHERE a.validFrom <= $asOfTs") {
		t.Errorf("first segment not rewritten: %q", got)
	}
	if !strings.Contains(got, "b.name = 'x' AND b.validFrom <= $asOfTs") {
		t.Errorf("second segment not appended: %q", got)
	}
}

func TestApplyTemporalFilterIgnoresStringsAndCalls(t *testing.T) {
	q := "MATCH (n:FILE) WHERE n.name = 'MATCH (fake:X)' AND size(n.path) > 3 RETURN n"
	got, _ := ApplyTemporalFilter(q)
	if strings.Contains(got, "fake.validFrom") {
		t.Errorf("variable extracted from string literal: %q", got)
	}
	if strings.Contains(got, "size.validFrom") {
		t.Errorf("function call treated as pattern: %q", got)
	}
	if !strings.Contains(got, "n.validFrom <= $asOfTs") {
		t.Errorf("real variable missing: %q", got)
	}
}

func TestApplyTemporalFilterIdempotentShape(t *testing.T) {
	// Rewriting an OPTIONAL MATCH keeps its own segment scoped.
	q := "MATCH (a:FILE) OPTIONAL MATCH (b:CLASS) RETURN a, b"
	got, _ := ApplyTemporalFilter(q)
	if strings.Count(got, "WHERE") != 2 {
		t.Errorf("want one WHERE per segment, got %q", got)
	}
}

func TestResolveSinceAnchorLadder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed := []*Tx{
		{ID: "tx-1700000000000-ab12", ProjectID: "p1", Timestamp: 111, GitCommit: "deadbeef00", AgentID: "agent-1"},
		{ID: "tx-2", ProjectID: "p1", Timestamp: 222, AgentID: "agent-2"},
	}
	for _, tx := range seed {
		if err := s.AppendTx(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		input   string
		wantTs  int64
		wantMod string
	}{
		{"tx id", "tx-1700000000000-ab12", 111, "transaction"},
		{"epoch ms", "1735689600000", 1735689600000, "timestamp"},
		{"iso8601", "2025-01-01T00:00:00Z", 1735689600000, "timestamp"},
		{"git commit", "deadbeef00", 111, "commit"},
		{"agent id", "agent-2", 222, "agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ResolveSinceAnchor(ctx, s, "p1", tt.input)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if a.SinceTs != tt.wantTs || a.Mode != tt.wantMod {
				t.Errorf("got (%d, %s), want (%d, %s)", a.SinceTs, a.Mode, tt.wantTs, tt.wantMod)
			}
		})
	}

	if _, err := ResolveSinceAnchor(ctx, s, "p1", "no-such-anchor"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("unresolvable anchor = %v, want ErrNodeNotFound", err)
	}
}
