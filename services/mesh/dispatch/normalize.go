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
	"maps"
	"strings"
)

// Rule is one argument-normalization rule. Rules are pure data: a rule
// fires when Applies reports true, Transform rewrites the args in
// place, and Warning is surfaced to the caller via contractWarnings.
//
// Every Transform must make its own Applies false afterwards so that
// Normalize is idempotent.
type Rule struct {
	Tool      string
	Warning   string
	Applies   func(args map[string]any) bool
	Transform func(args map[string]any)
}

// rules is the normalization catalog. Aliases accepted here are part of
// the tool contract; removing one breaks existing agents.
var rules = []Rule{
	{
		Tool:      "impact_analyze",
		Warning:   "mapped changedFiles -> files",
		Applies:   keyAliased("changedFiles", "files"),
		Transform: renameKey("changedFiles", "files"),
	},
	{
		Tool:      "progress_query",
		Warning:   `mapped status "active" -> "in-progress"`,
		Applies:   keyEquals("status", "active"),
		Transform: setKey("status", "in-progress"),
	},
	{
		Tool:      "progress_query",
		Warning:   `dropped status "all"`,
		Applies:   keyEquals("status", "all"),
		Transform: deleteKey("status"),
	},
	{
		Tool:    "progress_query",
		Warning: "derived type from query text",
		Applies: func(args map[string]any) bool {
			_, hasType := args["type"]
			return !hasType && deriveProgressType(args) != ""
		},
		Transform: func(args map[string]any) {
			args["type"] = deriveProgressType(args)
		},
	},
	{
		Tool:      "task_update",
		Warning:   `mapped status "active" -> "in-progress"`,
		Applies:   keyEquals("status", "active"),
		Transform: setKey("status", "in-progress"),
	},
	{
		Tool:      "graph_set_workspace",
		Warning:   "mapped workspacePath -> workspaceRoot",
		Applies:   keyAliased("workspacePath", "workspaceRoot"),
		Transform: renameKey("workspacePath", "workspaceRoot"),
	},
	{
		Tool:      "graph_rebuild",
		Warning:   "mapped workspacePath -> workspaceRoot",
		Applies:   keyAliased("workspacePath", "workspaceRoot"),
		Transform: renameKey("workspacePath", "workspaceRoot"),
	},
}

// Normalize applies the rule catalog to the arguments of one tool call.
// The input map is never mutated.
//
// # Outputs
//
//   - map[string]any: the normalized arguments.
//   - []string: one warning per rule that fired, in catalog order.
func Normalize(tool string, args map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(args))
	maps.Copy(out, args)

	var warnings []string
	for _, r := range rules {
		if r.Tool != tool || !r.Applies(out) {
			continue
		}
		r.Transform(out)
		warnings = append(warnings, r.Warning)
	}
	return out, warnings
}

// keyAliased reports whether the legacy key is set while the canonical
// one is not.
func keyAliased(legacy, canonical string) func(map[string]any) bool {
	return func(args map[string]any) bool {
		_, hasLegacy := args[legacy]
		_, hasCanonical := args[canonical]
		return hasLegacy && !hasCanonical
	}
}

func renameKey(from, to string) func(map[string]any) {
	return func(args map[string]any) {
		args[to] = args[from]
		delete(args, from)
	}
}

func keyEquals(key, value string) func(map[string]any) bool {
	return func(args map[string]any) bool {
		s, ok := args[key].(string)
		return ok && s == value
	}
}

func setKey(key, value string) func(map[string]any) {
	return func(args map[string]any) { args[key] = value }
}

func deleteKey(key string) func(map[string]any) {
	return func(args map[string]any) { delete(args, key) }
}

// deriveProgressType guesses the entity type from free-form query text.
// Returns "" when the text gives no signal.
func deriveProgressType(args map[string]any) string {
	query, _ := args["query"].(string)
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "feature"):
		return "feature"
	case strings.Contains(lower, "task") || strings.Contains(lower, "todo"):
		return "task"
	default:
		return ""
	}
}
