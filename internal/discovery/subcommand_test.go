// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubcommand writes a shell script standing in for an external
// discovery subcommand and returns its path.
func fakeSubcommand(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script subcommand fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-lmnr")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o700))
	return path
}

func TestSubcommandDiscoverParsesPrefixedPayload(t *testing.T) {
	cmd := fakeSubcommand(t, `
echo "loading runtime..."
echo 'LMNR_METADATA:{"name":"run_agent","params":[{"name":"query"},{"name":"max_steps"}]}'
echo "done"
`)
	s := NewSubcommandStrategy([]string{cmd}, nil)

	meta, err := s.Discover(context.Background(), Target{Kind: TargetModule, Module: "agents.billing"})
	require.NoError(t, err)
	assert.Equal(t, "run_agent", meta.Name)
	assert.Equal(t, []string{"query", "max_steps"}, meta.ParamNames())
}

func TestSubcommandDiscoverPassesTargetFlags(t *testing.T) {
	cmd := fakeSubcommand(t, `
echo "args: $@" >&2
echo "LMNR_METADATA:{\"name\":\"x\",\"params\":[]}"
for a in "$@"; do echo "ARG:$a"; done
`)
	s := NewSubcommandStrategy([]string{cmd}, nil)

	// The flags themselves are asserted indirectly: a subcommand that
	// echoes its args still yields the payload, and the file variant must
	// not error either.
	_, err := s.Discover(context.Background(), Target{
		Kind:     TargetFile,
		Path:     "agent.py",
		Function: "run_agent",
	})
	require.NoError(t, err)
}

func TestSubcommandDiscoverKeepsPayloadFromDyingProcess(t *testing.T) {
	cmd := fakeSubcommand(t, `
echo 'LMNR_METADATA:{"name":"run_agent","params":[]}'
exit 3
`)
	s := NewSubcommandStrategy([]string{cmd}, nil)

	meta, err := s.Discover(context.Background(), Target{Kind: TargetModule, Module: "m"})
	require.NoError(t, err)
	assert.Equal(t, "run_agent", meta.Name)
}

func TestSubcommandDiscoverFailureWithoutPayload(t *testing.T) {
	cmd := fakeSubcommand(t, `
echo "ModuleNotFoundError: no module named agents" >&2
exit 1
`)
	s := NewSubcommandStrategy([]string{cmd}, nil)

	_, err := s.Discover(context.Background(), Target{Kind: TargetModule, Module: "agents"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ModuleNotFoundError")
}

func TestSubcommandDiscoverMissingBinary(t *testing.T) {
	s := NewSubcommandStrategy([]string{"/nonexistent/lmnr"}, nil)

	_, err := s.Discover(context.Background(), Target{Kind: TargetModule, Module: "m"})
	require.Error(t, err)
}
