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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/RolloutLocal/internal/config"
	"github.com/AleutianAI/RolloutLocal/internal/controlplane"
	"github.com/AleutianAI/RolloutLocal/internal/discovery"
)

// setWorkerFlags installs flag values for one test and restores the
// previous values afterwards; the flag variables are package globals.
func setWorkerFlags(t *testing.T, command string, args []string) {
	t.Helper()
	prevCommand, prevArgs := workerCommand, workerCommandArgs
	workerCommand, workerCommandArgs = command, args
	t.Cleanup(func() {
		workerCommand, workerCommandArgs = prevCommand, prevArgs
	})
}

func TestDiscoveryArgvDefaultsToOwnDiscoverSurface(t *testing.T) {
	// The bundled worker has no discover subcommand; without an explicit
	// --command the strategy must fall back to re-invoking this binary.
	setWorkerFlags(t, "", []string{"--verbose"})
	assert.Nil(t, discoveryArgv())
}

func TestDiscoveryArgvUsesExplicitCommand(t *testing.T) {
	setWorkerFlags(t, "python-worker", []string{"--loader", "uv"})
	assert.Equal(t, []string{"python-worker", "--loader", "uv"}, discoveryArgv())
}

func TestWorkerLaunchDefaults(t *testing.T) {
	setWorkerFlags(t, "", nil)
	command, args := workerLaunch()
	assert.Equal(t, defaultWorkerCommand, command)
	assert.Empty(t, args)

	setWorkerFlags(t, "custom-worker", []string{"-v"})
	command, args = workerLaunch()
	assert.Equal(t, "custom-worker", command)
	assert.Equal(t, []string{"-v"}, args)
}

func TestResolveTarget(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "agent.go")
	require.NoError(t, os.WriteFile(existing, []byte("package rollout\n"), 0o644))

	tests := []struct {
		name string
		arg  string
		want discovery.TargetKind
	}{
		{"existing file", existing, discovery.TargetFile},
		{"missing path with extension", "missing/agent.py", discovery.TargetFile},
		{"bare name", "agents", discovery.TargetModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveTarget(tt.arg, "run")
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, "run", got.Function)
		})
	}
}

func TestWatchableRootUsesFileDirectory(t *testing.T) {
	target := discovery.Target{Kind: discovery.TargetFile, Path: "src/agents/agent.go"}
	assert.Equal(t, filepath.Join("src", "agents"), watchableRoot(target))
}

func TestSessionURL(t *testing.T) {
	hs := controlplane.Handshake{ProjectID: "proj-1", SessionID: "sess-1"}

	cfg := config.Default()
	assert.Equal(t,
		"https://api.lmnr.ai/project/proj-1/rollout-sessions/sess-1",
		sessionURL(cfg, hs))

	cfg.BaseURL = "http://localhost:8080"
	cfg.FrontendPort = 5667
	assert.Equal(t,
		"http://localhost:5667/project/proj-1/rollout-sessions/sess-1",
		sessionURL(cfg, hs))
}
