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

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// sessionHeader carries the caller's session id on the REST surface.
// Requests without it share an anonymous per-request session.
const sessionHeader = "X-Mesh-Session"

// Router builds the HTTP surface: the REST tool mirror, health and
// catalog endpoints, Prometheus metrics, and the streamable MCP
// endpoint at /mcp.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.Name))

	v1 := router.Group("/v1/mesh")
	{
		v1.POST("/tools/:name", s.handleToolCall)
		v1.GET("/tools", s.handleToolList)
		v1.GET("/health", s.handleHealth)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	streamable := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp }, nil)
	router.Any("/mcp", gin.WrapH(streamable))

	return router
}

// RunHTTP serves the HTTP surface until the context is cancelled, then
// shuts down gracefully.
func (s *Server) RunHTTP(ctx context.Context) error {
	if s.cfg.Addr == "" {
		return errors.New("no http listen address configured")
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving http", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleToolCall mirrors an MCP tool call over plain HTTP. The body is
// the tool's argument object; the response is the envelope.
func (s *Server) handleToolCall(c *gin.Context) {
	name := c.Param("name")

	args := map[string]any{}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":    false,
				"error": gin.H{"code": "INVALID_BODY", "message": err.Error()},
			})
			return
		}
	}

	env, err := s.dispatcher.CallTool(c.Request.Context(), restSession(c), name, args)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": gin.H{"code": "INTERNAL", "message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) handleToolList(c *gin.Context) {
	tools := s.registry.List()
	rows := make([]gin.H, 0, len(tools))
	for _, t := range tools {
		rows = append(rows, gin.H{
			"name":        t.Name,
			"category":    t.Category,
			"description": toolDescription(t),
			"inputShape":  t.InputShape,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": rows})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"name":    s.cfg.Name,
		"version": s.cfg.Version,
		"tools":   len(s.registry.List()),
	})
}

// restSession resolves the session id for a REST call. A fresh UUID
// per request keeps unidentified callers isolated from each other.
func restSession(c *gin.Context) string {
	if id := c.GetHeader(sessionHeader); id != "" {
		return id
	}
	return "rest-" + uuid.NewString()
}
