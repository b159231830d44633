// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch is the uniform tool-call pipeline: normalize the
// arguments, look up the tool, execute the handler, and attach the
// contract warnings to the shaped envelope.
//
// Expected failures come back as error envelopes. Unexpected handler
// errors re-raise from CallTool so the transport layer can log them;
// the pipeline never swallows them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
)

// ErrDuplicateTool indicates a second registration under the same name.
var ErrDuplicateTool = errors.New("tool already registered")

// Call carries one tool invocation through the pipeline.
type Call struct {
	Tool      string
	SessionID string
	// Args are the normalized arguments.
	Args map[string]any
	// Warnings lists the normalization rules that fired.
	Warnings []string
}

// String returns the string argument under key, or "".
func (c *Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// Int returns the numeric argument under key, or def. JSON decoding
// delivers numbers as float64.
func (c *Call) Int(key string, def int) int {
	switch v := c.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Bool returns the boolean argument under key, or def.
func (c *Call) Bool(key string, def bool) bool {
	b, ok := c.Args[key].(bool)
	if !ok {
		return def
	}
	return b
}

// Strings returns the string-list argument under key. Accepts both
// []string and the []any produced by JSON decoding.
func (c *Call) Strings(key string) []string {
	switch v := c.Args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns the map argument under key, or nil.
func (c *Call) Map(key string) map[string]any {
	m, _ := c.Args[key].(map[string]any)
	return m
}

// Handler executes one tool call. A returned error is an unexpected
// failure and re-raises from CallTool; expected failures are error
// envelopes.
type Handler func(ctx context.Context, call *Call) (*envelope.Envelope, error)

// Tool is one registry entry.
type Tool struct {
	Name     string
	Category string
	// InputShape documents argument names and types for tools_list.
	InputShape map[string]string
	Run        Handler
}

// Registry holds the tool catalog.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at
// startup; lookups are taken on every call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds tools to the catalog. Duplicate names fail the whole
// batch with ErrDuplicateTool.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
	}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return nil
}

// Get returns the tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns the catalog sorted by category then name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ContextResolver maps a session id to its shaping context. The session
// manager implements this.
type ContextResolver interface {
	WorkspaceRoot(sessionID string) string
}

// Dispatcher runs the normalize → lookup → execute → shape pipeline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	resolver ContextResolver
	profile  envelope.Profile
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. resolver may be nil; paths are then
// left absolute.
func NewDispatcher(registry *Registry, resolver ContextResolver, profile envelope.Profile, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if profile == "" {
		profile = envelope.ProfileFull
	}
	return &Dispatcher{
		registry: registry,
		resolver: resolver,
		profile:  profile,
		logger:   logger,
	}
}

// CallTool executes one tool call under a session.
//
// # Outputs
//
//   - *envelope.Envelope: the shaped response, including TOOL_NOT_FOUND
//     for unknown names.
//   - error: unexpected handler failures, re-raised for the transport
//     layer to log. The envelope is nil in that case.
func (d *Dispatcher) CallTool(ctx context.Context, sessionID, name string, args map[string]any) (*envelope.Envelope, error) {
	ctx, span := tracer.Start(ctx, "dispatch.CallTool",
		trace.WithAttributes(
			attribute.String("mesh.tool", name),
			attribute.String("mesh.session_id", sessionID),
		),
	)
	defer span.End()

	normalized, warnings := Normalize(name, args)
	if len(warnings) > 0 {
		toolWarningsTotal.WithLabelValues(name).Add(float64(len(warnings)))
	}

	tool := d.registry.Get(name)
	if tool == nil {
		toolCallsTotal.WithLabelValues(name, "not_found").Inc()
		return envelope.Errf(envelope.CodeToolNotFound, "unknown tool %q", name).
			WithHint("call tools_list for the catalog"), nil
	}

	call := &Call{
		Tool:      name,
		SessionID: sessionID,
		Args:      normalized,
		Warnings:  warnings,
	}

	start := time.Now()
	env, err := tool.Run(ctx, call)
	toolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		toolCallsTotal.WithLabelValues(name, "exception").Inc()
		span.RecordError(err)
		d.logger.Error("tool handler failed",
			"tool", name, "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	env = d.shaper(sessionID).Shape(name, env)
	if len(warnings) > 0 {
		env.ContractWarnings = append(env.ContractWarnings, warnings...)
	}

	if env.OK {
		toolCallsTotal.WithLabelValues(name, "ok").Inc()
	} else {
		toolCallsTotal.WithLabelValues(name, "error").Inc()
		if env.Error != nil {
			span.SetAttributes(attribute.String("mesh.error_code", env.Error.Code))
		}
	}
	return env, nil
}

// shaper builds the per-session response shaper.
func (d *Dispatcher) shaper(sessionID string) *envelope.Shaper {
	s := &envelope.Shaper{Profile: d.profile}
	if d.resolver != nil {
		s.WorkspaceRoot = d.resolver.WorkspaceRoot(sessionID)
	}
	return s
}
