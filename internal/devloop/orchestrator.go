// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devloop is the orchestration layer of the rollout dev command:
// it receives run/stop events from the control channel, seeds the replay
// cache from recorded traces, supervises the worker subprocess, and keeps
// the backend informed of session status.
package devloop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AleutianAI/RolloutLocal/internal/cache"
	"github.com/AleutianAI/RolloutLocal/internal/controlplane"
	"github.com/AleutianAI/RolloutLocal/internal/discovery"
	"github.com/AleutianAI/RolloutLocal/internal/protocol"
	"github.com/AleutianAI/RolloutLocal/internal/worker"
)

// StatusReporter is the backend surface the orchestrator needs: status
// transitions and trace fetches for cache seeding.
type StatusReporter interface {
	ReportStatus(ctx context.Context, sessionID uuid.UUID, status controlplane.SessionStatus) error
	FetchTraceCalls(ctx context.Context, traceID string, paths []string) ([]controlplane.RecordedCall, error)
}

// MetadataPusher pushes a revised function signature to the backend after
// a hot reload.
type MetadataPusher interface {
	UpdateMetadata(name string, params []discovery.Param) error
}

// ReloadSource exposes the hot-reload scheduler's due flag.
type ReloadSource interface {
	ConsumeReload() bool
}

// Config carries the per-invocation settings the orchestrator folds into
// each worker config.
type Config struct {
	// Target is the rollout source the dev command was pointed at.
	Target discovery.Target

	// Command and CommandArgs launch the worker process.
	Command     string
	CommandArgs []string

	// Backend connection parameters passed through to the worker.
	BaseURL       string
	ProjectAPIKey string
	HTTPPort      int
	GRPCPort      int

	// Worker loader knobs.
	ExternalPackages     []string
	DynamicImportsToSkip []string

	// Env are extra environment variables injected into the worker.
	Env map[string]string
}

// Orchestrator wires the control channel, cache, discovery, and worker
// manager into the run lifecycle.
//
// Thread Safety: HandleRun and HandleStop may be called concurrently. The
// inFlight flag is the serialization point: it is claimed before HandleRun
// touches any shared state, well before the worker manager's own
// single-flight commit.
type Orchestrator struct {
	session   *Session
	cfg       Config
	store     *cache.Store
	cachePort func() int
	exec      worker.Executor
	backend   StatusReporter
	channel   MetadataPusher
	reload    ReloadSource
	registry  *discovery.Registry
	logger    *slog.Logger

	inFlight atomic.Bool
}

// NewOrchestrator assembles an orchestrator. cachePort must return the
// cache server's bound loopback port at run time (the server binds an
// ephemeral port after construction). reload and channel may be nil when
// hot reload is disabled (e.g. module targets with no watchable path).
func NewOrchestrator(
	session *Session,
	cfg Config,
	store *cache.Store,
	cachePort func() int,
	exec worker.Executor,
	backend StatusReporter,
	channel MetadataPusher,
	reload ReloadSource,
	registry *discovery.Registry,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		session:   session,
		cfg:       cfg,
		store:     store,
		cachePort: cachePort,
		exec:      exec,
		backend:   backend,
		channel:   channel,
		reload:    reload,
		registry:  registry,
		logger:    logger.With("component", "orchestrator"),
	}
}

// SetReloadSource wires the hot-reload due flag after construction; the
// watcher needs the orchestrator's cancel hook first, so the two are
// built in that order.
func (o *Orchestrator) SetReloadSource(reload ReloadSource) {
	o.reload = reload
}

// HandleRun services one run event end to end. Runs are dropped, never
// queued: a run arriving while another is in flight is logged and ignored
// with no status reports. Past that gate, the backend always receives a
// FINISHED report, whatever goes wrong, so its UI never hangs on a
// stuck-RUNNING session.
func (o *Orchestrator) HandleRun(ctx context.Context, event controlplane.RunEvent) {
	// Claim the slot before any side effect. The executor's own
	// single-flight commit is several blocking calls away (rediscovery,
	// the cache reset, the seed fetch); a gate that merely peeked at
	// IsRunning would let a second event wipe the in-flight run's seeded
	// cache during that window.
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Warn("run event dropped, another run is in flight")
		return
	}
	defer o.inFlight.Store(false)

	defer func() {
		o.session.SetStatus(controlplane.StatusFinished)
		if err := o.backend.ReportStatus(ctx, o.session.ID, controlplane.StatusFinished); err != nil {
			o.logger.Warn("failed to report FINISHED status", "error", err)
		}
	}()

	// A quiesced file change means the on-disk callable may have a new
	// shape. Re-discover before anything else; a stale signature must
	// not be invoked, so discovery failure aborts this run.
	if o.reload != nil && o.reload.ConsumeReload() && o.registry != nil && o.registry.Applies(o.cfg.Target) {
		if err := o.rediscover(ctx); err != nil {
			o.logger.Error("hot-reload discovery failed, skipping run", "error", err)
			return
		}
	}

	// Complete reset before any seeding: the worker must never observe
	// state from a previous run.
	o.store.Reset()
	if event.TraceID != "" && len(event.PathToCount) > 0 {
		o.seedCache(ctx, event)
	} else {
		o.store.SetMetadata(cache.RunMetadata{
			PathToCount: event.PathToCount,
			Overrides:   event.Overrides,
		})
	}

	workerCfg := o.buildWorkerConfig(event)
	if err := workerCfg.Validate(); err != nil {
		o.logger.Error("invalid worker config", "error", err)
		return
	}

	o.session.SetStatus(controlplane.StatusRunning)
	if err := o.backend.ReportStatus(ctx, o.session.ID, controlplane.StatusRunning); err != nil {
		// The run is more important than the status report.
		o.logger.Warn("failed to report RUNNING status", "error", err)
	}

	result, err := o.exec.Execute(ctx, o.cfg.Command, o.cfg.CommandArgs, workerCfg)
	switch {
	case err == nil:
		o.logger.Info("run finished", "result_bytes", len(result))
	case errors.Is(err, worker.ErrKilled):
		o.logger.Info("run canceled")
	case errors.Is(err, worker.ErrRunInFlight):
		o.logger.Warn("run event dropped by executor, another run is in flight")
	default:
		o.logger.Error("run failed", "error", err)
	}
}

// HandleStop services a stop event: kill whatever is running. Safe when
// nothing is.
func (o *Orchestrator) HandleStop() {
	o.logger.Info("stop requested")
	o.exec.Kill()
}

// CancelActiveRun is the hot-reload cancellation hook: identical to a
// stop, but logged as a reload so the two are distinguishable in the logs.
func (o *Orchestrator) CancelActiveRun() {
	if o.exec.IsRunning() {
		o.logger.Info("file changed, canceling active run")
	}
	o.exec.Kill()
}

// rediscover re-runs metadata discovery and pushes the new signature.
func (o *Orchestrator) rediscover(ctx context.Context) error {
	meta, err := o.registry.Discover(ctx, o.cfg.Target)
	if err != nil {
		return err
	}
	o.session.SetFunction(meta.Name, meta.Params)
	if o.channel != nil {
		if err := o.channel.UpdateMetadata(meta.Name, meta.Params); err != nil {
			o.logger.Warn("failed to push reloaded metadata", "error", err)
		}
	}
	o.logger.Info("reloaded function metadata", "name", meta.Name, "params", len(meta.Params))
	return nil
}

// seedCache fetches the referenced trace's recorded calls and loads the
// first N per path into the store. A fetch failure degrades to a live run
// with an empty cache rather than failing the whole run.
func (o *Orchestrator) seedCache(ctx context.Context, event controlplane.RunEvent) {
	paths := make([]string, 0, len(event.PathToCount))
	for path := range event.PathToCount {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	calls, err := o.backend.FetchTraceCalls(ctx, event.TraceID, paths)
	if err != nil {
		o.logger.Warn("cache seeding failed, running live",
			"trace_id", event.TraceID, "error", err)
		o.store.SetMetadata(cache.RunMetadata{
			PathToCount: event.PathToCount,
			Overrides:   event.Overrides,
		})
		return
	}

	records := buildSeedRecords(calls, event.PathToCount)
	o.store.LoadRecords(records)
	o.store.SetMetadata(cache.RunMetadata{
		PathToCount: event.PathToCount,
		Overrides:   event.Overrides,
	})
	o.logger.Info("cache seeded from trace",
		"trace_id", event.TraceID, "records", len(records))
}

// buildSeedRecords orders recorded calls by start time, groups them by
// path, and keeps the first N occurrences per path. Keys are
// "{index}:{path}" with index counting occurrences in time order, so a
// worker replaying calls 0..N-1 hits the cache and call N falls through
// live.
func buildSeedRecords(calls []controlplane.RecordedCall, counts map[string]int) map[string]cache.Record {
	sorted := append([]controlplane.RecordedCall(nil), calls...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	occurrence := make(map[string]int)
	records := make(map[string]cache.Record)
	for _, call := range sorted {
		index := occurrence[call.Path]
		if index >= counts[call.Path] {
			continue
		}
		occurrence[call.Path] = index + 1
		records[cache.Key(index, call.Path)] = cache.Record{
			Name:       call.Name,
			Input:      call.Input,
			Output:     call.Output,
			Attributes: call.Attributes,
		}
	}
	return records
}

// buildWorkerConfig folds the run event and invocation settings into the
// one-line config the worker reads on stdin.
func (o *Orchestrator) buildWorkerConfig(event controlplane.RunEvent) protocol.WorkerConfig {
	args := make(map[string]json.RawMessage, len(event.Args))
	for name, raw := range event.Args {
		args[name] = normalizeArg(raw)
	}

	name, params := o.session.Function()
	order := make([]string, 0, len(params))
	for _, p := range params {
		order = append(order, p.Name)
	}

	env := map[string]string{
		protocol.EnvSessionID: o.session.ID.String(),
		protocol.EnvCacheAddr: cacheAddr(o.cachePort()),
	}
	for k, v := range o.cfg.Env {
		env[k] = v
	}

	cfg := protocol.WorkerConfig{
		FunctionName:         name,
		Args:                 args,
		ParamOrder:           order,
		Env:                  env,
		CacheServerPort:      o.cachePort(),
		BaseURL:              o.cfg.BaseURL,
		ProjectAPIKey:        o.cfg.ProjectAPIKey,
		HTTPPort:             o.cfg.HTTPPort,
		GRPCPort:             o.cfg.GRPCPort,
		ExternalPackages:     o.cfg.ExternalPackages,
		DynamicImportsToSkip: o.cfg.DynamicImportsToSkip,
	}
	if o.cfg.Target.Kind == discovery.TargetModule {
		cfg.ModulePath = o.cfg.Target.Module
	} else {
		cfg.FilePath = o.cfg.Target.Path
	}
	if o.cfg.Target.Function != "" {
		cfg.FunctionName = o.cfg.Target.Function
	}
	return cfg
}

// normalizeArg opportunistically unwraps arguments that arrive as
// JSON-encoded strings: a string whose content is itself valid JSON is
// replaced by that content; anything else is carried as-is.
func normalizeArg(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Already a structured value.
		return raw
	}
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return raw
}

// cacheAddr renders the loopback address workers use to reach the cache.
func cacheAddr(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}
