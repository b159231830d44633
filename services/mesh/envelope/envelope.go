// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envelope defines the uniform tool response envelope and the
// response shaper applied at the dispatch boundary.
//
// Every tool returns either a success envelope (ok=true with data and an
// optional summary) or an error envelope (ok=false with a stable
// UPPER_SNAKE code). Envelopes are kept structured end-to-end; JSON
// serialization happens once, at the transport boundary.
package envelope

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Stable error codes. Names are contracts; agents branch on them.
const (
	CodeToolNotFound                   = "TOOL_NOT_FOUND"
	CodeGraphQueryFailed               = "GRAPH_QUERY_FAILED"
	CodeGraphQueryException            = "GRAPH_QUERY_EXCEPTION"
	CodeGraphQueryAsOfUnsupported      = "GRAPH_QUERY_ASOF_UNSUPPORTED_FOR_CYPHER"
	CodeWorkspaceNotFound              = "WORKSPACE_NOT_FOUND"
	CodeSourceDirNotFound              = "SOURCE_DIR_NOT_FOUND"
	CodeWorkspacePathSandboxed         = "WORKSPACE_PATH_SANDBOXED"
	CodeArchEngineUnavailable          = "ARCH_ENGINE_UNAVAILABLE"
	CodeTestEngineUnavailable          = "TEST_ENGINE_UNAVAILABLE"
	CodeElementNotFound                = "ELEMENT_NOT_FOUND"
	CodeEpisodeAddInvalidInput         = "EPISODE_ADD_INVALID_INPUT"
	CodeEpisodeAddInvalidMetadata      = "EPISODE_ADD_INVALID_METADATA"
	CodeEpisodeRecallInvalidInput      = "EPISODE_RECALL_INVALID_INPUT"
	CodeDecisionQueryInvalidInput      = "DECISION_QUERY_INVALID_INPUT"
	CodeAgentClaimInvalidInput         = "AGENT_CLAIM_INVALID_INPUT"
	CodeAgentReleaseInvalidInput       = "AGENT_RELEASE_INVALID_INPUT"
	CodeDiffSinceInvalidInput          = "DIFF_SINCE_INVALID_INPUT"
	CodeDiffSinceInvalidTypes          = "DIFF_SINCE_INVALID_TYPES"
	CodeDiffSinceAnchorNotFound        = "DIFF_SINCE_ANCHOR_NOT_FOUND"
	CodeContextPackInvalidInput        = "CONTEXT_PACK_INVALID_INPUT"
	CodeContractValidateInvalidInput   = "CONTRACT_VALIDATE_INVALID_INPUT"
	CodeCopilotInstrTargetNotFound     = "COPILOT_INSTR_TARGET_NOT_FOUND"
	CodeRefRepoMissing                 = "REF_REPO_MISSING"
	CodeRefRepoNotFound                = "REF_REPO_NOT_FOUND"
	CodeInitMissingWorkspace           = "INIT_MISSING_WORKSPACE"
	CodeSemanticSliceInvalidInput      = "SEMANTIC_SLICE_INVALID_INPUT"
	CodeSemanticSliceNotFound          = "SEMANTIC_SLICE_NOT_FOUND"
	CodeSemanticSearchFailed           = "SEMANTIC_SEARCH_FAILED"
	CodeVectorStoreUnavailable         = "VECTOR_STORE_UNAVAILABLE"
	CodeGraphStoreUnavailable          = "GRAPH_STORE_UNAVAILABLE"
	CodeTaskUpdateInvalidInput         = "TASK_UPDATE_INVALID_INPUT"
	CodeProgressQueryFailed            = "PROGRESS_QUERY_FAILED"
	CodeDocsIndexFailed                = "DOCS_INDEX_FAILED"
	CodeDocsSearchFailed               = "DOCS_SEARCH_FAILED"
	CodeFindPatternInvalidInput        = "FIND_PATTERN_INVALID_INPUT"
	CodeCodeExplainNotFound            = "CODE_EXPLAIN_NOT_FOUND"
	CodeImpactAnalyzeInvalidInput      = "IMPACT_ANALYZE_INVALID_INPUT"
	CodeFindSimilarCodeInvalidInput    = "FIND_SIMILAR_CODE_INVALID_INPUT"
	CodeSemanticDiffInvalidInput       = "SEMANTIC_DIFF_INVALID_INPUT"
	CodeRebuildFailed                  = "REBUILD_FAILED"
)

// ErrorDetail carries the machine-readable failure description.
type ErrorDetail struct {
	Code        string `json:"code"`
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
	Hint        string `json:"hint,omitempty"`
}

// Envelope is the uniform tool response. Exactly one of Data/Error is
// meaningful depending on OK.
type Envelope struct {
	OK               bool         `json:"ok"`
	Data             any          `json:"data,omitempty"`
	Summary          string       `json:"summary,omitempty"`
	Tool             string       `json:"tool,omitempty"`
	ContractWarnings []string     `json:"contractWarnings,omitempty"`
	Error            *ErrorDetail `json:"error,omitempty"`
}

// Ok builds a success envelope.
func Ok(data any) *Envelope {
	return &Envelope{OK: true, Data: data}
}

// Okf builds a success envelope with a formatted summary line.
func Okf(data any, format string, args ...any) *Envelope {
	return &Envelope{OK: true, Data: data, Summary: fmt.Sprintf(format, args...)}
}

// Err builds an error envelope. Recoverable defaults to true for every
// code except TOOL_NOT_FOUND; use ErrFatal for the rest of the
// non-recoverable cases.
func Err(code, reason string) *Envelope {
	return &Envelope{OK: false, Error: &ErrorDetail{
		Code:        code,
		Reason:      reason,
		Recoverable: code != CodeToolNotFound,
	}}
}

// Errf builds an error envelope with a formatted reason.
func Errf(code, format string, args ...any) *Envelope {
	return Err(code, fmt.Sprintf(format, args...))
}

// WithHint attaches a remediation hint and returns the envelope.
func (e *Envelope) WithHint(hint string) *Envelope {
	if e.Error != nil {
		e.Error.Hint = hint
	}
	return e
}

// WithSummary attaches a summary and returns the envelope.
func (e *Envelope) WithSummary(format string, args ...any) *Envelope {
	e.Summary = fmt.Sprintf(format, args...)
	return e
}

// IsCode reports whether the envelope is an error with the given code.
func (e *Envelope) IsCode(code string) bool {
	return e != nil && !e.OK && e.Error != nil && e.Error.Code == code
}

// =============================================================================
// Response Shaper
// =============================================================================

// Profile selects how aggressively Shape compacts payloads.
type Profile string

const (
	// ProfileFull returns payloads untouched.
	ProfileFull Profile = "full"

	// ProfileCompact bounds list and string sizes for token-constrained
	// clients.
	ProfileCompact Profile = "compact"
)

// Compaction bounds for ProfileCompact.
const (
	compactMaxListLen   = 20
	compactMaxStringLen = 2000
)

// Shaper finalizes envelopes before they cross the transport boundary:
// it stamps the tool name, canonicalizes workspace paths, and applies
// the compaction profile.
type Shaper struct {
	WorkspaceRoot string
	Profile       Profile
}

// Shape returns the finalized envelope. The input is mutated and returned
// for convenience.
func (s *Shaper) Shape(tool string, env *Envelope) *Envelope {
	if env == nil {
		return Err(CodeGraphQueryException, "handler returned nil envelope")
	}
	if env.Tool == "" {
		env.Tool = tool
	}
	if s == nil {
		return env
	}
	if s.WorkspaceRoot != "" {
		env.Data = canonicalizeValue(env.Data, s.WorkspaceRoot)
	}
	if s.Profile == ProfileCompact {
		env.Data = compactValue(env.Data)
	}
	return env
}

// CanonicalPath rewrites an absolute path under root to a root-relative
// path with forward slashes. Paths outside root pass through unchanged.
func CanonicalPath(path, root string) string {
	if root == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// canonicalizeValue walks generic JSON-shaped data and canonicalizes any
// string value stored under a path-like key.
func canonicalizeValue(v any, root string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && pathLikeKey(k) {
				t[k] = CanonicalPath(s, root)
				continue
			}
			t[k] = canonicalizeValue(val, root)
		}
		return t
	case []any:
		for i := range t {
			t[i] = canonicalizeValue(t[i], root)
		}
		return t
	default:
		return v
	}
}

func pathLikeKey(k string) bool {
	switch k {
	case "path", "file", "filePath", "workspaceRoot", "sourceDir":
		return true
	}
	return strings.HasSuffix(k, "Path")
}

// compactValue bounds lists and strings in generic JSON-shaped data.
func compactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = compactValue(val)
		}
		return t
	case []any:
		if len(t) > compactMaxListLen {
			t = t[:compactMaxListLen]
		}
		for i := range t {
			t[i] = compactValue(t[i])
		}
		return t
	case string:
		if len(t) > compactMaxStringLen {
			// Back up to a rune boundary so compaction never emits
			// invalid UTF-8.
			cut := compactMaxStringLen - 1
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			return t[:cut] + "…"
		}
		return t
	default:
		return v
	}
}
