// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the mesh server configuration.
//
// Configuration comes from a YAML file with environment overrides for
// deployment-sensitive values. Load never fails on a missing file; it
// falls back to defaults so `mesh serve` works out of the box.
//
// Thread Safety:
//
//	Config values are read-only after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize bounds the config file read.
const MaxConfigFileSize = 1024 * 1024

// Config is the root configuration for the mesh server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Graph     GraphConfig     `yaml:"graph"`
	Vector    VectorConfig    `yaml:"vector"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Docs      DocsConfig      `yaml:"docs"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the transports.
type ServerConfig struct {
	// Transport selects the serving mode.
	Transport string `yaml:"transport" validate:"oneof=stdio http both"`

	// Addr is the HTTP listen address, required for http/both.
	Addr string `yaml:"addr" validate:"required_unless=Transport stdio"`

	// Profile shapes tool responses: full or compact.
	Profile string `yaml:"profile" validate:"oneof=full compact"`
}

// WorkspaceConfig controls workspace binding policy.
type WorkspaceConfig struct {
	// FallbackRoot serves sessions that never called
	// graph_set_workspace. Empty means no fallback.
	FallbackRoot string `yaml:"fallbackRoot"`

	// PathFallback permits source dirs outside the workspace root.
	PathFallback bool `yaml:"pathFallback"`

	// DefaultAgentID is attributed to calls that carry no agentId.
	DefaultAgentID string `yaml:"defaultAgentId"`
}

// WatcherConfig controls filesystem watching.
type WatcherConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DebounceMs int      `yaml:"debounceMs" validate:"gte=0"`
	Ignore     []string `yaml:"ignore"`
}

// Debounce returns the debounce window as a duration.
func (w WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

// GraphConfig controls graph persistence.
type GraphConfig struct {
	// DataDir is the BadgerDB directory. Empty keeps the graph purely
	// in memory.
	DataDir string `yaml:"dataDir"`
}

// VectorConfig controls the semantic layer. When disabled, semantic
// tools report VECTOR_STORE_UNAVAILABLE and everything else still
// works.
type VectorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Scheme  string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	Host    string `yaml:"host"`

	// Embedder is an OpenAI-compatible embeddings endpoint.
	Embedder EmbedderConfig `yaml:"embedder"`
}

// EmbedderConfig points at an OpenAI-compatible embeddings API.
type EmbedderConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`

	// APIKey is normally injected via MESH_EMBEDDER_API_KEY.
	APIKey string `yaml:"apiKey"`
}

// RebuildConfig controls rebuild throttling.
type RebuildConfig struct {
	WatcherRatePerMinute int `yaml:"watcherRatePerMinute" validate:"gte=0"`
	BuildTimeoutSec      int `yaml:"buildTimeoutSec" validate:"gte=0"`
}

// BuildTimeout returns the build timeout as a duration.
func (r RebuildConfig) BuildTimeout() time.Duration {
	return time.Duration(r.BuildTimeoutSec) * time.Second
}

// DocsConfig controls documentation indexing. The docs backend shares
// the vector layer's Weaviate instance.
type DocsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig selects exporters for traces and metrics.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"traceExporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metricExporter" validate:"oneof=prometheus otlp stdout none"`
	OTLPEndpoint   string `yaml:"otlpEndpoint"`
}

// Default returns the out-of-the-box configuration: stdio transport,
// in-memory graph, semantic layer off.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      ":8600",
			Profile:   "full",
		},
		Workspace: WorkspaceConfig{
			DefaultAgentID: "agent-local",
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 500,
		},
		Vector: VectorConfig{
			Scheme: "http",
			Host:   "localhost:8080",
			Embedder: EmbedderConfig{
				Model: "text-embedding-3-small",
			},
		},
		Rebuild: RebuildConfig{
			WatcherRatePerMinute: 6,
			BuildTimeoutSec:      600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

// Load reads the config file at path, applies environment overrides,
// and validates the result. A missing file is not an error; an
// unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		case info.Size() > MaxConfigFileSize:
			return cfg, fmt.Errorf("config %s exceeds %d bytes", path, MaxConfigFileSize)
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config against its declared constraints.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv overlays deployment-sensitive environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MESH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MESH_TRANSPORT"); v != "" {
		cfg.Server.Transport = v
	}
	if v := os.Getenv("MESH_DATA_DIR"); v != "" {
		cfg.Graph.DataDir = v
	}
	if v := os.Getenv("MESH_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.FallbackRoot = v
	}
	if v := os.Getenv("WEAVIATE_HOST"); v != "" {
		cfg.Vector.Host = v
		cfg.Vector.Enabled = true
	}
	if v := os.Getenv("MESH_EMBEDDER_BASE_URL"); v != "" {
		cfg.Vector.Embedder.BaseURL = v
	}
	if v := os.Getenv("MESH_EMBEDDER_API_KEY"); v != "" {
		cfg.Vector.Embedder.APIKey = v
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MESH_WATCHER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Watcher.Enabled = enabled
		}
	}
}
