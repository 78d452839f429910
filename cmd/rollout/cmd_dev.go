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
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/RolloutLocal/internal/cache"
	"github.com/AleutianAI/RolloutLocal/internal/config"
	"github.com/AleutianAI/RolloutLocal/internal/controlplane"
	"github.com/AleutianAI/RolloutLocal/internal/devloop"
	"github.com/AleutianAI/RolloutLocal/internal/discovery"
	"github.com/AleutianAI/RolloutLocal/internal/watch"
	"github.com/AleutianAI/RolloutLocal/internal/worker"
	"github.com/AleutianAI/RolloutLocal/pkg/logging"
	"github.com/AleutianAI/RolloutLocal/pkg/ux"
)

// defaultWorkerCommand launches the bundled Go reference worker when no
// --command override is given.
const defaultWorkerCommand = "rollout-worker"

// runDevCommand is the dev session entrypoint: discover, connect, serve
// runs until interrupted.
func runDevCommand(cmd *cobra.Command, args []string) error {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = config.DefaultFile
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  "~/.rollout/logs",
		Service: "dev",
	})
	defer func() { _ = logger.Close() }()
	slogger := logger.Slog()

	target := resolveTarget(args[0], functionName)
	command, commandArgs := workerLaunch()

	registry := discovery.NewRegistry(discovery.Options{
		SubcommandArgv: discoveryArgv(),
		Logger:         slogger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup discovery is fatal: without a callable there is no session.
	meta, err := registry.Discover(ctx, target)
	if err != nil {
		return fmt.Errorf("discovering rollout function: %w", err)
	}
	slogger.Info("discovered rollout function", "name", meta.Name, "params", meta.ParamNames())

	session := devloop.NewSession()
	session.SetFunction(meta.Name, meta.Params)

	store := cache.NewStore()
	cacheServer := cache.NewServer(store, slogger)
	if err := cacheServer.Start(); err != nil {
		return fmt.Errorf("starting cache server: %w", err)
	}

	backend := controlplane.NewBackend(cfg.BaseURL, cfg.ProjectAPIKey, nil, slogger)
	executor := worker.NewRunner(slogger, os.Stdout)

	loop := &devloop.Loop{
		Session:     session,
		CacheServer: cacheServer,
		Backend:     backend,
		Logger:      slogger,
		OnHandshake: func(hs controlplane.Handshake) {
			ux.SessionBanner(meta.Name, sessionURL(cfg, hs))
		},
	}

	channel, err := controlplane.NewClient(controlplane.ClientConfig{
		BaseURL:       cfg.BaseURL,
		ProjectAPIKey: cfg.ProjectAPIKey,
		SessionID:     session.ID,
		Handlers:      loop.Handlers(),
		Logger:        slogger,
	})
	if err != nil {
		return err
	}
	channel.SetMetadata(meta.Name, meta.Params)
	loop.Channel = channel

	orch := devloop.NewOrchestrator(
		session,
		devloop.Config{
			Target:               target,
			Command:              command,
			CommandArgs:          commandArgs,
			BaseURL:              cfg.BaseURL,
			ProjectAPIKey:        cfg.ProjectAPIKey,
			HTTPPort:             cfg.HTTPPort,
			GRPCPort:             cfg.GRPCPort,
			ExternalPackages:     externalPackages,
			DynamicImportsToSkip: dynamicImportsToSkip,
		},
		store,
		cacheServer.Port,
		executor,
		backend,
		channel,
		nil, // wired below once the watcher exists
		registry,
		slogger,
	)
	loop.Orchestrator = orch

	if watchRoot := watchableRoot(target); watchRoot != "" {
		watcher, err := watch.NewScheduler(watchRoot, watch.Options{
			OnChange: orch.CancelActiveRun,
			Logger:   slogger,
		})
		if err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
		loop.Watcher = watcher
		orch.SetReloadSource(watcher)
	}

	ux.Info("connecting to " + cfg.BaseURL)
	return loop.Run(ctx)
}

// applyFlagOverrides lays command-line flags over the resolved config.
func applyFlagOverrides(cfg *config.Config) {
	if httpPort > 0 {
		cfg.HTTPPort = httpPort
	}
	if grpcPort > 0 {
		cfg.GRPCPort = grpcPort
	}
	if frontendPort > 0 {
		cfg.FrontendPort = frontendPort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// resolveTarget classifies the positional argument as a source file or a
// logical module name.
func resolveTarget(arg, function string) discovery.Target {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return discovery.Target{Kind: discovery.TargetFile, Path: arg, Function: function}
	}
	// A path-looking argument that does not exist yet is still a file
	// target; discovery will surface the real error.
	if filepath.Ext(arg) != "" || strings.ContainsRune(arg, os.PathSeparator) {
		return discovery.Target{Kind: discovery.TargetFile, Path: arg, Function: function}
	}
	return discovery.Target{Kind: discovery.TargetModule, Module: arg, Function: function}
}

// workerLaunch resolves the worker command and its arguments.
func workerLaunch() (string, []string) {
	if workerCommand != "" {
		return workerCommand, workerCommandArgs
	}
	return defaultWorkerCommand, workerCommandArgs
}

// discoveryArgv resolves the argv for subcommand discovery. Only an
// explicit --command carries a discover surface of its own; the bundled
// worker does not, so the default (nil) lets the strategy re-invoke this
// binary's discover subcommand.
func discoveryArgv() []string {
	if workerCommand == "" {
		return nil
	}
	return append([]string{workerCommand}, workerCommandArgs...)
}

// watchableRoot picks the directory to watch for hot reload. Module
// targets have no on-disk location to watch; they fall back to the
// working directory.
func watchableRoot(target discovery.Target) string {
	if target.Kind == discovery.TargetFile {
		if dir := filepath.Dir(target.Path); dir != "" {
			return dir
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

// sessionURL builds the human-facing URL shown in the banner. The frontend
// may listen on a different port than the API base.
func sessionURL(cfg config.Config, hs controlplane.Handshake) string {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.FrontendPort > 0 && cfg.FrontendPort != 443 {
		if u, err := url.Parse(base); err == nil {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(cfg.FrontendPort))
			base = u.String()
		}
	}
	return fmt.Sprintf("%s/project/%s/rollout-sessions/%s", base, hs.ProjectID, hs.SessionID)
}
