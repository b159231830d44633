// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

// toolDescriptions are served to MCP clients in the tool listing.
// Keep each one actionable: say when to reach for the tool, not just
// what it returns.
var toolDescriptions = map[string]string{
	"graph_set_workspace": "Bind this session to a workspace root. Call this FIRST in every session; all other tools resolve the project from the session binding.",
	"graph_rebuild":       "Rebuild the code graph for the bound workspace. Use mode=incremental with a files list after edits, mode=full after large changes or when embeddings drift.",
	"graph_query":         "Query the code graph. language=natural routes through hybrid retrieval; language=cypher runs a structural query, optionally time-scoped with asOf.",
	"graph_health":        "Report graph, vector, watcher, and rebuild health for the bound project, with remediation steps when something drifted.",
	"diff_since":          "Summarize graph changes since an anchor: a tx id, a timestamp, a git commit, or an agent's last activity.",
	"find_pattern":        "Search live code elements by regular expression over names, paths, and snippets.",
	"code_explain":        "Explain one code element: signature, callers, callees, and the recorded decisions that involve it.",
	"contract_validate":   "Dry-run argument normalization for any tool. Returns the canonical argument set and the warnings a real call would produce.",
	"tools_list":          "List the tool catalog with categories and input shapes.",
	"watch_start":         "Start the filesystem watcher for the bound workspace so edits trigger incremental rebuilds automatically.",
	"watch_stop":          "Stop this session's filesystem watcher.",

	"semantic_search":   "Find code by meaning rather than by name. Use when you know what the code does but not what it is called.",
	"find_similar_code": "Find elements semantically similar to a given element. Useful for spotting duplicated logic before adding more.",
	"semantic_slice":    "Return one element with its immediate structural neighborhood: container, callers, and callees.",
	"semantic_diff":     "Compare an element's current state against its state at an earlier time.",
	"code_clusters":     "List detected code communities with summaries and member counts. Good for orienting in an unfamiliar codebase.",

	"impact_analyze": "Walk reverse dependencies from changed files to find every symbol a change can affect, ordered by distance.",
	"test_select":    "Select the tests worth running for a set of changed files, from coverage edges and impacted test files.",
	"test_categorize": "Group the project's test files into unit, integration, and e2e buckets.",
	"test_run":       "Run selected tests through the configured test engine and report pass/fail counts.",
	"suggest_tests":  "List impacted symbols that no test covers.",
	"arch_validate":  "Check the codebase against the configured architecture rules.",
	"arch_suggest":   "Ask the architecture engine for improvement suggestions, optionally scoped to an area.",

	"progress_query":  "Query tasks or features by status and free text.",
	"task_update":     "Create or update a task. Setting status=completed releases the task's claims and records a completion decision.",
	"feature_status":  "Report a feature's task completion and linked implementations.",
	"blocking_issues": "List blocked tasks and the claims currently held across agents.",

	"episode_add":    "Record an episode: an observation, decision, edit, test result, or error. DECISION episodes require an outcome and a rationale.",
	"episode_recall": "Recall episodes filtered by query, agent, task, type, entity, or time anchor.",
	"decision_query": "Search recorded decisions. Check this before re-deciding something another agent may have settled.",
	"reflect":        "Distill an agent's episodes on a task into a reusable learning.",

	"agent_claim":           "Claim a code element before editing it. A CONFLICT response means another agent holds it; coordinate before proceeding.",
	"agent_release":         "Release a claim by claim id or target element.",
	"agent_status":          "Show one agent's active claims, or the fleet overview when no agent is named.",
	"coordination_overview": "Show all active claims grouped by agent.",
	"context_pack":          "Assemble a token-budgeted working context for a task: core symbols, decisions, learnings, and blockers. Call before starting work.",

	"index_docs":                 "Index a documentation directory for search, optionally tagged as a library reference.",
	"search_docs":                "Search indexed project documentation.",
	"ref_query":                  "Search an indexed library reference. Index the library first with index_docs.",
	"init_project_setup":         "One-shot setup: bind the workspace, run a full rebuild, and start the watcher.",
	"setup_copilot_instructions": "Write workspace guidance for coding agents into .github/copilot-instructions.md.",
}
