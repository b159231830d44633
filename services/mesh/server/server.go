// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the tool catalog over the Model Context
// Protocol and a REST mirror.
//
// Two transports share one dispatcher: MCP clients connect over stdio
// or streamable HTTP, and plain HTTP clients call the same tools via
// POST /v1/mesh/tools/:name. Session identity comes from the MCP
// session on the protocol side and from the X-Mesh-Session header on
// the REST side, so both surfaces see the same per-session workspace
// bindings.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
)

// ServiceName identifies this server in MCP handshakes and telemetry.
const ServiceName = "aleutian-mesh"

// ServiceVersion is the advertised server version.
const ServiceVersion = "0.1.0"

// stdioSession is the session id used when a transport carries no
// session identity of its own.
const stdioSession = "stdio"

// Config controls the server surfaces.
type Config struct {
	// Name overrides the advertised MCP server name.
	Name string

	// Version overrides the advertised MCP server version.
	Version string

	// Addr is the HTTP listen address for the REST mirror and the
	// streamable MCP endpoint. Empty disables HTTP.
	Addr string

	// Instructions is served to MCP clients during initialization.
	Instructions string

	Logger *slog.Logger
}

// Server bridges MCP tool calls into the dispatch pipeline.
type Server struct {
	cfg        Config
	mcp        *mcp.Server
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	logger     *slog.Logger
}

// New builds a server and registers every catalog tool with the MCP
// layer. The MCP tool list and the dispatch registry stay in lockstep
// because both are generated from the same catalog.
func New(registry *dispatch.Registry, dispatcher *dispatch.Dispatcher, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = ServiceName
	}
	if cfg.Version == "" {
		cfg.Version = ServiceVersion
	}
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     cfg.Logger,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &mcp.ServerOptions{
		Instructions: cfg.Instructions,
	})

	for _, tool := range registry.List() {
		var schema jsonschema.Schema
		_ = json.Unmarshal(inputSchema(tool), &schema)
		s.mcp.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: toolDescription(tool),
			InputSchema: &schema,
		}, s.handler(tool.Name))
	}
	return s
}

// MCPServer returns the underlying protocol server, for embedding in
// custom transports.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// RunStdio serves MCP over stdin and stdout until the context ends.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("serving mcp over stdio",
		"name", s.cfg.Name, "tools", len(s.registry.List()))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// handler adapts one catalog tool into an MCP tool handler. The
// dispatcher owns normalization, shaping, and error envelopes; this
// layer only translates between wire formats.
func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := parseArguments(req)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		env, err := s.dispatcher.CallTool(ctx, sessionID(req), name, args)
		if err != nil {
			s.logger.Error("tool execution failed", "tool", name, "error", err)
			return nil, err
		}
		return envelopeResult(env)
	}
}

// sessionID extracts the MCP session identity, falling back to a
// shared stdio session when the transport has none.
func sessionID(req *mcp.CallToolRequest) string {
	if req != nil && req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return id
		}
	}
	return stdioSession
}

func parseArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// envelopeResult serializes the response envelope as the tool result
// body. Error envelopes set IsError so clients surface the code and
// hint without treating it as a protocol failure.
func envelopeResult(env *envelope.Envelope) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		IsError: !env.OK,
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// inputSchema renders a tool's declared input shape as a JSON Schema
// object. Shape values use a compact notation: a trailing "?" marks an
// optional argument, a "[]" prefix marks a string array, and "|"
// separates accepted alternatives.
func inputSchema(tool *dispatch.Tool) json.RawMessage {
	properties := map[string]any{}
	var required []string

	keys := make([]string, 0, len(tool.InputShape))
	for key := range tool.InputShape {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		shape := tool.InputShape[key]
		optional := strings.HasSuffix(shape, "?")
		shape = strings.TrimSuffix(shape, "?")

		prop := map[string]any{"type": "string"}
		switch {
		case strings.HasPrefix(shape, "[]"):
			prop = map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			}
		case shape == "int":
			prop = map[string]any{"type": "integer"}
		case shape == "bool":
			prop = map[string]any{"type": "boolean"}
		case strings.Contains(shape, "|"):
			optional = true
		}
		properties[key] = prop
		if !optional {
			required = append(required, key)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	body, _ := json.Marshal(schema)
	return json.RawMessage(body)
}

func toolDescription(tool *dispatch.Tool) string {
	if desc, ok := toolDescriptions[tool.Name]; ok {
		return desc
	}
	return fmt.Sprintf("%s tool %s", tool.Category, tool.Name)
}

const defaultInstructions = `This server indexes workspaces into a temporal code graph with
episodic memory and agent coordination. Start every session with
graph_set_workspace (or init_project_setup for first-time setup), then
use graph_query and semantic_search for code questions, context_pack
before starting a task, agent_claim before editing shared elements,
and episode_add to record decisions.`
