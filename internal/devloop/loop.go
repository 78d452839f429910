// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/RolloutLocal/internal/cache"
	"github.com/AleutianAI/RolloutLocal/internal/controlplane"
	"github.com/AleutianAI/RolloutLocal/internal/watch"
)

// Loop owns the long-lived components of one dev session and supervises
// their lifecycle: cache server, control channel, file watcher, and the
// orchestrator tying them together.
type Loop struct {
	Session      *Session
	Orchestrator *Orchestrator
	CacheServer  *cache.Server
	Channel      *controlplane.Client
	Watcher      *watch.Scheduler // nil when the target has no watchable path
	Backend      *controlplane.Backend
	Logger       *slog.Logger

	// OnHandshake lets the command layer render the session URL banner.
	OnHandshake func(controlplane.Handshake)

	mu     sync.Mutex
	runCtx context.Context
}

// Handlers builds the control-channel handler set for this loop. Run
// events are serviced on their own goroutine so a stop event can still be
// read and kill the worker while a run is in flight.
func (l *Loop) Handlers() controlplane.Handlers {
	logger := l.logger()
	return controlplane.Handlers{
		OnHandshake: func(hs controlplane.Handshake) {
			logger.Info("session handshake", "project_id", hs.ProjectID, "session_id", hs.SessionID)
			if l.OnHandshake != nil {
				l.OnHandshake(hs)
			}
		},
		OnRun: func(event controlplane.RunEvent) {
			go l.Orchestrator.HandleRun(l.currentCtx(), event)
		},
		OnStop: func() {
			l.Orchestrator.HandleStop()
		},
		OnHeartbeatTimeout: func() {
			// Connectivity failure, not a cancellation: the in-flight
			// run keeps going while the channel reconnects.
			logger.Warn("control channel heartbeat timeout")
		},
		OnReconnecting: func() {
			logger.Info("control channel reconnecting")
		},
		OnError: func(message string) {
			logger.Warn("control channel reported error", "message", message)
		},
	}
}

// Run starts the watcher and control channel, then blocks until ctx is
// canceled. Shutdown is best-effort: every cleanup failure is logged and
// the rest of the teardown proceeds.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.logger()

	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if l.Watcher != nil {
		if err := l.Watcher.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		err := l.Channel.ConnectAndListen(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, controlplane.ErrClientClosed) {
			return nil
		}
		return err
	})

	err := g.Wait()
	l.shutdown(logger)
	return err
}

// shutdown tears the session down in dependency order: worker first so
// nothing still talks to the cache, then watcher, channel, cache server,
// and finally the remote session record.
func (l *Loop) shutdown(logger *slog.Logger) {
	logger.Info("shutting down dev session", "session_id", l.Session.ID)

	l.Orchestrator.HandleStop()

	if l.Watcher != nil {
		l.Watcher.Stop()
	}
	l.Channel.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.CacheServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("cache server shutdown failed", "error", err)
	}
	if err := l.Backend.DeleteSession(shutdownCtx, l.Session.ID); err != nil {
		logger.Warn("failed to delete remote session", "error", err)
	}
}

func (l *Loop) currentCtx() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runCtx != nil {
		return l.runCtx
	}
	return context.Background()
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger.With("component", "dev_loop")
	}
	return slog.Default().With("component", "dev_loop")
}
