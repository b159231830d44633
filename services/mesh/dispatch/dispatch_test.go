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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:     name,
		Category: "test",
		Run: func(_ context.Context, call *Call) (*envelope.Envelope, error) {
			return envelope.Ok(call.Args), nil
		},
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool("a")); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate register = %v, want ErrDuplicateTool", err)
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(
		&Tool{Name: "z_tool", Category: "beta"},
		&Tool{Name: "a_tool", Category: "beta"},
		&Tool{Name: "m_tool", Category: "alpha"},
	); err != nil {
		t.Fatal(err)
	}
	got := r.List()
	want := []string{"m_tool", "a_tool", "z_tool"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("List()[%d] = %s, want %s", i, got[i].Name, name)
		}
	}
}

func TestCallToolNotFound(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, "", nil)
	env, err := d.CallTool(context.Background(), "s1", "no_such_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !env.IsCode(envelope.CodeToolNotFound) {
		t.Fatalf("envelope = %+v, want TOOL_NOT_FOUND", env)
	}
	if env.Error.Recoverable {
		t.Error("TOOL_NOT_FOUND must be recoverable=false")
	}
}

func TestCallToolAttachesWarnings(t *testing.T) {
	r := NewRegistry()
	var observed map[string]any
	err := r.Register(&Tool{
		Name:     "impact_analyze",
		Category: "tests",
		Run: func(_ context.Context, call *Call) (*envelope.Envelope, error) {
			observed = call.Args
			return envelope.Ok(map[string]any{"impacted": []any{}}), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, "", nil)

	env, err := d.CallTool(context.Background(), "s1", "impact_analyze",
		map[string]any{"changedFiles": []any{"src/baz.ts"}, "depth": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !env.OK {
		t.Fatalf("envelope = %+v, want ok", env)
	}
	if len(env.ContractWarnings) != 1 || env.ContractWarnings[0] != "mapped changedFiles -> files" {
		t.Errorf("contractWarnings = %v", env.ContractWarnings)
	}
	files, ok := observed["files"].([]any)
	if !ok || len(files) != 1 || files[0] != "src/baz.ts" {
		t.Errorf("handler observed args = %v, want normalized files", observed)
	}
	if env.Tool != "impact_analyze" {
		t.Errorf("tool stamp = %q", env.Tool)
	}
}

func TestCallToolReRaisesHandlerErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	if err := r.Register(&Tool{
		Name: "exploding",
		Run: func(context.Context, *Call) (*envelope.Envelope, error) {
			return nil, boom
		},
	}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, "", nil)

	env, err := d.CallTool(context.Background(), "s1", "exploding", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom re-raised", err)
	}
	if env != nil {
		t.Errorf("envelope = %+v, want nil on re-raise", env)
	}
}

func TestCallToolErrorEnvelopePassesThrough(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Tool{
		Name: "failing",
		Run: func(context.Context, *Call) (*envelope.Envelope, error) {
			return envelope.Err(envelope.CodeElementNotFound, "no such element"), nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, nil, "", nil)

	env, err := d.CallTool(context.Background(), "s1", "failing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !env.IsCode(envelope.CodeElementNotFound) {
		t.Errorf("envelope = %+v", env)
	}
	if !env.Error.Recoverable {
		t.Error("ELEMENT_NOT_FOUND should stay recoverable")
	}
}

type rootResolver string

func (r rootResolver) WorkspaceRoot(string) string { return string(r) }

func TestCallToolCanonicalizesPaths(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Tool{
		Name: "path_tool",
		Run: func(context.Context, *Call) (*envelope.Envelope, error) {
			return envelope.Ok(map[string]any{"file": "/tmp/root/src/a.ts"}), nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(r, rootResolver("/tmp/root"), "", nil)

	env, err := d.CallTool(context.Background(), "s1", "path_tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	data := env.Data.(map[string]any)
	if data["file"] != "src/a.ts" {
		t.Errorf("file = %v, want workspace-relative", data["file"])
	}
}

func TestCallArgHelpers(t *testing.T) {
	c := &Call{Args: map[string]any{
		"s":     "text",
		"n":     float64(7),
		"b":     true,
		"list":  []any{"a", "b"},
		"typed": []string{"c"},
		"obj":   map[string]any{"k": "v"},
	}}
	if c.String("s") != "text" || c.String("missing") != "" {
		t.Error("String helper")
	}
	if c.Int("n", 0) != 7 || c.Int("missing", 3) != 3 {
		t.Error("Int helper")
	}
	if !c.Bool("b", false) || c.Bool("missing", true) != true {
		t.Error("Bool helper")
	}
	if got := c.Strings("list"); len(got) != 2 || got[0] != "a" {
		t.Errorf("Strings([]any) = %v", got)
	}
	if got := c.Strings("typed"); len(got) != 1 || got[0] != "c" {
		t.Errorf("Strings([]string) = %v", got)
	}
	if m := c.Map("obj"); m["k"] != "v" {
		t.Error("Map helper")
	}
}
