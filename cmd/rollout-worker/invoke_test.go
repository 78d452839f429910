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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

func writeSource(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.go")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o600))
	return path
}

func TestInvokeCallsFunctionWithOrderedArgs(t *testing.T) {
	path := writeSource(t, `package agent

import "fmt"

func RunAgent(query string, maxSteps int) string {
	return fmt.Sprintf("%s/%d", query, maxSteps)
}
`)

	result, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath: path,
		Args: map[string]json.RawMessage{
			"query":    json.RawMessage(`"hello"`),
			"maxSteps": json.RawMessage(`3`),
		},
		ParamOrder:      []string{"query", "maxSteps"},
		CacheServerPort: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, `"hello/3"`, string(result))
}

func TestInvokeDropsLeadingContextParam(t *testing.T) {
	path := writeSource(t, `package agent

import "context"

func RunAgent(ctx context.Context, query string) string {
	if ctx == nil {
		return "no context"
	}
	return query
}
`)

	result, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath: path,
		Args: map[string]json.RawMessage{
			"query": json.RawMessage(`"ok"`),
		},
		ParamOrder:      []string{"query"},
		CacheServerPort: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(result))
}

func TestInvokeMissingArgsAreZeroValued(t *testing.T) {
	path := writeSource(t, `package agent

func RunAgent(query string, maxSteps int) int {
	return len(query) + maxSteps
}
`)

	result, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath:        path,
		Args:            map[string]json.RawMessage{},
		ParamOrder:      []string{"query", "maxSteps"},
		CacheServerPort: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", string(result))
}

func TestInvokeReturnsErrorFromFunction(t *testing.T) {
	path := writeSource(t, `package agent

import "errors"

func RunAgent(query string) (string, error) {
	return "", errors.New("backend unavailable")
}
`)

	_, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath:        path,
		Args:            map[string]json.RawMessage{"query": json.RawMessage(`"q"`)},
		ParamOrder:      []string{"query"},
		CacheServerPort: 49000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestInvokeSelectsExplicitFunction(t *testing.T) {
	path := writeSource(t, `package agent

func First() string  { return "first" }
func Second() string { return "second" }
`)

	result, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath:        path,
		FunctionName:    "Second",
		Args:            map[string]json.RawMessage{},
		CacheServerPort: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(result))
}

func TestInvokeAmbiguousWithoutExplicitName(t *testing.T) {
	path := writeSource(t, `package agent

func First() string  { return "first" }
func Second() string { return "second" }
`)

	_, err := invoke(context.Background(), protocol.WorkerConfig{
		FilePath:        path,
		CacheServerPort: 49000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "First")
	assert.Contains(t, err.Error(), "Second")
}

func TestInvokeRejectsModuleTargets(t *testing.T) {
	_, err := invoke(context.Background(), protocol.WorkerConfig{
		ModulePath:      "agents.billing",
		CacheServerPort: 49000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.billing")
}

func TestBuildArgsStringFallbackForUnwrappedValues(t *testing.T) {
	fn := func(id string) string { return id }

	in, err := buildArgs(context.Background(), reflect.TypeOf(fn), []string{"id"}, map[string]json.RawMessage{
		// A numeric value aimed at a string parameter carries its raw text.
		"id": json.RawMessage(`42`),
	})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "42", in[0].String())
}

func TestBuildArgsRejectsVariadic(t *testing.T) {
	fn := func(parts ...string) string { return "" }

	_, err := buildArgs(context.Background(), reflect.TypeOf(fn), nil, nil)
	require.Error(t, err)
}

func TestResolveResultsMultipleValues(t *testing.T) {
	out := []reflect.Value{
		reflect.ValueOf("answer"),
		reflect.ValueOf(7),
	}
	encoded, err := resolveResults(out)
	require.NoError(t, err)
	assert.JSONEq(t, `["answer", 7]`, string(encoded))
}

func TestResolveResultsNoValues(t *testing.T) {
	encoded, err := resolveResults(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(encoded))
}

func TestReadConfigClosedStdin(t *testing.T) {
	_, err := readConfig(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}

func TestReadConfigDecodesLine(t *testing.T) {
	cfg, err := readConfig(strings.NewReader(`{"filePath":"agent.go","cacheServerPort":49000}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "agent.go", cfg.FilePath)
	assert.Equal(t, 49000, cfg.CacheServerPort)
}

func TestRunEmitsResultFrame(t *testing.T) {
	path := writeSource(t, `package agent

func RunAgent(query string) string { return query + "!" }
`)

	cfgLine, err := json.Marshal(protocol.WorkerConfig{
		FilePath:        path,
		Args:            map[string]json.RawMessage{"query": json.RawMessage(`"done"`)},
		ParamOrder:      []string{"query"},
		CacheServerPort: 49000,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	code := run(strings.NewReader(string(cfgLine)+"\n"), &out)
	assert.Equal(t, 0, code)

	frame, isFrame, err := protocol.ParseFrame(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.True(t, isFrame)
	assert.Equal(t, protocol.FrameResult, frame.Type)
	assert.Equal(t, `"done!"`, string(frame.Result))
}

func TestRunEmitsErrorFrameOnClosedStdin(t *testing.T) {
	var out bytes.Buffer
	code := run(strings.NewReader(""), &out)
	assert.Equal(t, 1, code)

	frame, isFrame, err := protocol.ParseFrame(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.True(t, isFrame)
	assert.Equal(t, protocol.FrameError, frame.Type)
}
