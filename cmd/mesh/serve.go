// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMesh/pkg/logging"
	"github.com/AleutianAI/AleutianMesh/services/mesh/config"
	"github.com/AleutianAI/AleutianMesh/services/mesh/contextpack"
	"github.com/AleutianAI/AleutianMesh/services/mesh/coordinate"
	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
	"github.com/AleutianAI/AleutianMesh/services/mesh/docs"
	"github.com/AleutianAI/AleutianMesh/services/mesh/envelope"
	"github.com/AleutianAI/AleutianMesh/services/mesh/episode"
	"github.com/AleutianAI/AleutianMesh/services/mesh/graph"
	"github.com/AleutianAI/AleutianMesh/services/mesh/health"
	"github.com/AleutianAI/AleutianMesh/services/mesh/rebuild"
	"github.com/AleutianAI/AleutianMesh/services/mesh/retrieval"
	"github.com/AleutianAI/AleutianMesh/services/mesh/server"
	"github.com/AleutianAI/AleutianMesh/services/mesh/session"
	"github.com/AleutianAI/AleutianMesh/services/mesh/telemetry"
	"github.com/AleutianAI/AleutianMesh/services/mesh/tools"
	"github.com/AleutianAI/AleutianMesh/services/mesh/vector"
)

var (
	flagTransport string
	flagAddr      string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the mesh server",
		RunE:  runServe,
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog",
		RunE:  runTools,
	}
)

func init() {
	serveCmd.Flags().StringVar(&flagTransport, "transport", "",
		"serving mode: stdio, http, or both (overrides config)")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "",
		"HTTP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagTransport != "" {
		cfg.Server.Transport = flagTransport
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, closeLogs, err := logging.Setup(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "mesh",
	})
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    server.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	srv, store, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	gin.SetMode(gin.ReleaseMode)

	group, ctx := errgroup.WithContext(ctx)
	switch cfg.Server.Transport {
	case "stdio":
		group.Go(func() error { return srv.RunStdio(ctx) })
	case "http":
		group.Go(func() error { return srv.RunHTTP(ctx) })
	case "both":
		group.Go(func() error { return srv.RunStdio(ctx) })
		group.Go(func() error { return srv.RunHTTP(ctx) })
	}
	return group.Wait()
}

// buildServer assembles the engine stack behind the tool catalog.
// The semantic layer, docs backend, and summarizer attach only when
// the config enables them; the graph-backed core always runs.
func buildServer(cfg config.Config, logger *slog.Logger) (*server.Server, graph.Store, error) {
	store, err := graph.NewEmbeddedStore(graph.EmbeddedOptions{
		Path:   cfg.Graph.DataDir,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open graph store: %w", err)
	}

	sessions := session.NewManager(session.ProjectContext{
		WorkspaceRoot: cfg.Workspace.FallbackRoot,
	}, logger)
	claims := coordinate.NewEngine(store, logger)

	var (
		vectors    *vector.Manager
		docsSvc    *docs.Service
		summarizer episode.Summarizer
		embedSync  rebuild.EmbeddingSync
	)
	if cfg.Vector.Enabled {
		client, err := vector.NewClient(vector.ClientConfig{
			Scheme: cfg.Vector.Scheme,
			Host:   cfg.Vector.Host,
			Logger: logger,
		})
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("connect vector store: %w", err)
		}
		embedder := vector.NewOpenAIEmbedder(vector.OpenAIEmbedderConfig{
			BaseURL: cfg.Vector.Embedder.BaseURL,
			APIKey:  cfg.Vector.Embedder.APIKey,
			Model:   cfg.Vector.Embedder.Model,
		})
		vectors = vector.NewManager(client, embedder, store, logger)
		embedSync = vectors

		if cfg.Docs.Enabled {
			docsSvc = docs.NewService(docs.NewWeaviateBackend(client.Raw(), logger), logger)
			vectors.TrackCollection(docs.DocClassName)
		}
		if cfg.Vector.Embedder.BaseURL != "" {
			summarizer = episode.NewOpenAISummarizer(episode.OpenAISummarizerConfig{
				BaseURL: cfg.Vector.Embedder.BaseURL,
				APIKey:  cfg.Vector.Embedder.APIKey,
			})
		}
	}

	var searcher episode.EntitySearcher
	if vectors != nil {
		searcher = vectors
	}
	episodes := episode.NewEngine(store, searcher, summarizer, logger)

	rebuilds := rebuild.NewOrchestrator(store, nil, claims, embedSync, rebuild.Config{
		PathFallback:         cfg.Workspace.PathFallback,
		WatcherRatePerMinute: cfg.Rebuild.WatcherRatePerMinute,
		BuildTimeout:         cfg.Rebuild.BuildTimeout(),
		Logger:               logger,
	})

	var semantic retrieval.SemanticSearcher
	var embedState health.EmbeddingState
	if vectors != nil {
		semantic = vectors
		embedState = vectors
	}

	bridge := &tools.Bridge{
		Sessions:  sessions,
		Store:     store,
		Rebuilds:  rebuilds,
		Retrieval: retrieval.NewDispatcher(store, semantic, logger),
		Episodes:  episodes,
		Claims:    claims,
		Packs:     contextpack.NewBuilder(store, episodes, claims, logger),
		Health:    health.NewChecker(store, embedState, sessions, rebuilds, logger),
		Vectors:   vectors,
		Docs:      docsSvc,
		Policy: tools.Policy{
			WorkspaceFallbackRoot: cfg.Workspace.FallbackRoot,
			PathFallbackAllowed:   cfg.Workspace.PathFallback,
			WatcherEnabled:        cfg.Watcher.Enabled,
			WatcherDebounce:       cfg.Watcher.Debounce(),
			WatcherIgnores:        cfg.Watcher.Ignore,
			DefaultAgentID:        cfg.Workspace.DefaultAgentID,
		},
		Logger: logger,
	}

	registry := dispatch.NewRegistry()
	if err := tools.Register(registry, bridge); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("register tools: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(registry, sessions,
		envelope.Profile(cfg.Server.Profile), logger)

	srv := server.New(registry, dispatcher, server.Config{
		Version: version,
		Addr:    cfg.Server.Addr,
		Logger:  logger,
	})
	return srv, store, nil
}

func runTools(cmd *cobra.Command, args []string) error {
	registry := dispatch.NewRegistry()
	if err := tools.Register(registry, &tools.Bridge{
		Sessions: session.NewManager(session.ProjectContext{}, logging.Discard()),
		Logger:   logging.Discard(),
	}); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tTOOL")
	for _, tool := range registry.List() {
		fmt.Fprintf(w, "%s\t%s\n", tool.Category, tool.Name)
	}
	return w.Flush()
}
