// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
)

// Server exposes a Store over loopback HTTP so the worker subprocess can
// query the cache without sharing memory with the parent.
//
// Lifecycle: started once per developer session on an ephemeral port,
// reset (via the store) at the start of every run, stopped on shutdown.
//
// # Endpoints
//
//	GET  /v1/cache/record?path=<p>&index=<n>  fetch one cached record
//	GET  /v1/cache/metadata                   read count map + overrides
//	POST /v1/cache/entries                    bulk-load records
//	PUT  /v1/cache/metadata                   replace run metadata
//	POST /v1/cache/reset                      clear everything
//
// The read endpoints are for the worker; the write endpoints are for the
// orchestrator. Nothing authenticates: the listener binds 127.0.0.1 only.
type Server struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// NewServer wraps the given store. Call Start to begin serving.
func NewServer(store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		logger: logger.With("component", "cache_server"),
	}
}

// Store returns the wrapped store, for orchestrator-side direct access.
// In-process writers do not need to round-trip through HTTP.
func (s *Server) Store() *Store {
	return s.store
}

// Start binds an ephemeral loopback port and serves in a background
// goroutine. Idempotent: a second call returns nil without rebinding.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind cache server: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: router}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("cache server stopped unexpectedly", "error", err)
		}
	}()

	s.logger.Info("cache server listening", "port", s.port)
	return nil
}

// Port returns the bound loopback port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Addr returns the full loopback address, e.g. "http://127.0.0.1:49213".
func (s *Server) Addr() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

// Shutdown stops the HTTP server, draining in-flight requests until the
// context expires. Safe to call before Start or more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes wires the handler set onto the router.
func (s *Server) registerRoutes(router *gin.Engine) {
	v1 := router.Group("/v1/cache")
	v1.GET("/record", s.handleGetRecord)
	v1.GET("/metadata", s.handleGetMetadata)
	v1.POST("/entries", s.handleLoadEntries)
	v1.PUT("/metadata", s.handleSetMetadata)
	v1.POST("/reset", s.handleReset)
}

func (s *Server) handleGetRecord(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing path"})
		return
	}
	index, err := strconv.Atoi(c.Query("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return
	}

	rec, ok := s.store.Get(path, index)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached record", "path": path, "index": index})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Metadata())
}

// loadEntriesRequest is the bulk-load body: records keyed "{index}:{path}".
type loadEntriesRequest struct {
	Records map[string]Record `json:"records" binding:"required"`
}

func (s *Server) handleLoadEntries(c *gin.Context) {
	var req loadEntriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.store.LoadRecords(req.Records)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetMetadata(c *gin.Context) {
	var meta RunMetadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if meta.PathToCount == nil {
		meta.PathToCount = map[string]int{}
	}
	s.store.SetMetadata(meta)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReset(c *gin.Context) {
	s.store.Reset()
	c.Status(http.StatusNoContent)
}
