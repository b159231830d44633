// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package episode implements the agent memory protocol: typed episodes
// persisted to the graph store, similarity-ranked recall, decision
// queries, and reflection into LEARNING nodes.
package episode

import (
	"errors"
	"fmt"
)

// Type is the episode kind. Validation rules are type-dependent.
type Type string

const (
	TypeObservation Type = "OBSERVATION"
	TypeDecision    Type = "DECISION"
	TypeEdit        Type = "EDIT"
	TypeTestResult  Type = "TEST_RESULT"
	TypeError       Type = "ERROR"
	TypeReflection  Type = "REFLECTION"
)

// ValidTypes is the set of accepted episode types.
var ValidTypes = map[Type]bool{
	TypeObservation: true, TypeDecision: true, TypeEdit: true,
	TypeTestResult: true, TypeError: true, TypeReflection: true,
}

// Outcome values accepted for DECISION and TEST_RESULT episodes.
var ValidOutcomes = map[string]bool{
	"success": true, "failure": true, "partial": true,
}

// Sentinel errors for episode operations.
var (
	// ErrInvalidInput indicates a missing or malformed base field.
	ErrInvalidInput = errors.New("invalid episode input")

	// ErrInvalidMetadata indicates the type-specific metadata rules
	// were violated.
	ErrInvalidMetadata = errors.New("invalid episode metadata")

	// ErrNotFound indicates no episode matched.
	ErrNotFound = errors.New("episode not found")
)

// Episode is a typed, timestamped record of agent activity.
type Episode struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Type      Type           `json:"type"`
	Content   string         `json:"content"`
	Entities  []string       `json:"entities,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sensitive bool           `json:"sensitive,omitempty"`
	AgentID   string         `json:"agentId"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// meta returns a metadata value as a non-empty string.
func (e *Episode) meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}

// Validate enforces the base and type-dependent rules.
//
// # Description
//
// Base rules: a recognized type and non-empty content. Type rules:
//
//   - DECISION: outcome in {success, failure, partial} and
//     metadata.rationale or metadata.reason present.
//   - EDIT: at least one entity.
//   - TEST_RESULT: outcome in {success, failure, partial} and
//     metadata.testName or metadata.testFile present.
//   - ERROR: metadata.errorCode or metadata.stack present.
//
// # Outputs
//
//   - error: nil, or ErrInvalidInput / ErrInvalidMetadata wrapped with
//     the failing rule.
func (e *Episode) Validate() error {
	if !ValidTypes[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInput, e.Type)
	}
	if e.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	switch e.Type {
	case TypeDecision:
		if !ValidOutcomes[e.Outcome] {
			return fmt.Errorf("%w: DECISION requires outcome success|failure|partial", ErrInvalidMetadata)
		}
		if e.meta("rationale") == "" && e.meta("reason") == "" {
			return fmt.Errorf("%w: DECISION requires metadata.rationale or metadata.reason", ErrInvalidMetadata)
		}
	case TypeEdit:
		if len(e.Entities) == 0 {
			return fmt.Errorf("%w: EDIT requires at least one entity", ErrInvalidMetadata)
		}
	case TypeTestResult:
		if !ValidOutcomes[e.Outcome] {
			return fmt.Errorf("%w: TEST_RESULT requires outcome success|failure|partial", ErrInvalidMetadata)
		}
		if e.meta("testName") == "" && e.meta("testFile") == "" {
			return fmt.Errorf("%w: TEST_RESULT requires metadata.testName or metadata.testFile", ErrInvalidMetadata)
		}
	case TypeError:
		if e.meta("errorCode") == "" && e.meta("stack") == "" {
			return fmt.Errorf("%w: ERROR requires metadata.errorCode or metadata.stack", ErrInvalidMetadata)
		}
	}
	return nil
}

// RecallQuery filters and ranks episodes.
type RecallQuery struct {
	Query    string   `json:"query,omitempty"`
	AgentID  string   `json:"agentId,omitempty"`
	TaskID   string   `json:"taskId,omitempty"`
	Types    []Type   `json:"types,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Since    int64    `json:"since,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Learning is a distilled insight produced by reflection.
type Learning struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"projectId"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	AppliesTo  []string `json:"appliesTo,omitempty"`
	TaskID     string   `json:"taskId,omitempty"`
	AgentID    string   `json:"agentId,omitempty"`
	CreatedAt  int64    `json:"createdAt"`
}

// ReflectResult reports a reflection run.
type ReflectResult struct {
	ReflectionID     string `json:"reflectionId"`
	LearningsCreated int    `json:"learningsCreated"`
}
