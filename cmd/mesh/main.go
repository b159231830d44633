// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mesh starts the Aleutian Mesh code-intelligence server.
//
// Mesh indexes workspaces into a temporal code graph with episodic
// memory and agent coordination, and serves a 41-tool catalog over the
// Model Context Protocol plus a REST mirror.
//
// Usage:
//
//	mesh serve                          # stdio MCP, in-memory graph
//	mesh serve --transport http         # REST + streamable MCP on :8600
//	mesh serve --config /etc/mesh.yaml
//	mesh tools                          # print the tool catalog
//
// With persistence and the semantic layer:
//
//	MESH_DATA_DIR=~/.mesh/graph WEAVIATE_HOST=localhost:8080 \
//	MESH_EMBEDDER_BASE_URL=http://localhost:8081/v1 mesh serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "mesh",
		Short: "Aleutian Mesh code-intelligence server",
		Long: "Mesh indexes workspaces into a temporal code graph with " +
			"episodic memory and agent coordination, served over MCP.",
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mesh %s\n", version)
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the mesh config file")
	rootCmd.AddCommand(serveCmd, toolsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
