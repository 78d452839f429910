// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire contracts shared by the parent process,
// the spawned worker, and the per-language discovery subcommands.
//
// Three surfaces live here:
//
//   - The worker stdout framing: lines beginning with FramePrefix carry a
//     JSON Frame (log, result, or error). All other lines are opaque user
//     output and pass through untouched.
//   - The worker stdin configuration: exactly one JSON-encoded WorkerConfig
//     line, written by the parent before any output is read.
//   - The discovery payload marker: MetadataPrefix precedes the JSON object
//     a discovery subcommand prints for the parent to extract.
//
// Keeping these in one package means the subprocess manager, the reference
// worker, and the discovery layer cannot drift apart on constants.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// FramePrefix marks a structured protocol message on worker stdout.
	// Anything after the prefix must be a single JSON-encoded Frame.
	FramePrefix = "LMNR_PROTOCOL:"

	// MetadataPrefix marks the structured payload a discovery subcommand
	// prints. The text following it is a JSON-encoded function metadata
	// object, possibly interleaved with ordinary log lines.
	MetadataPrefix = "LMNR_METADATA:"
)

// Environment variables injected into every worker so instrumented calls
// inside the rollout function can reach the local cache server.
const (
	// EnvSessionID carries the rollout session identifier.
	EnvSessionID = "LMNR_ROLLOUT_SESSION_ID"

	// EnvCacheAddr carries the loopback address of the cache server,
	// e.g. "http://127.0.0.1:49213".
	EnvCacheAddr = "LMNR_CACHE_ADDR"
)

// FrameType discriminates the structured messages a worker may emit.
type FrameType string

const (
	// FrameLog is a diagnostic message relayed to the parent's logs.
	FrameLog FrameType = "log"

	// FrameResult carries the rollout function's return value and
	// resolves the run as successful.
	FrameResult FrameType = "result"

	// FrameError carries a failure message (and stack, where available)
	// and resolves the run as failed.
	FrameError FrameType = "error"
)

// Frame is a single structured message on the worker's stdout.
//
// Exactly one of Result or Message is meaningful depending on Type:
// result frames carry Result, log and error frames carry Message. Stack is
// optional and only set on error frames when the worker runtime captured one.
type Frame struct {
	Type    FrameType       `json:"type"`
	Message string          `json:"message,omitempty"`
	Level   string          `json:"level,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// ParseFrame inspects a single stdout line.
//
// Returns (frame, true, nil) when the line carries the frame prefix and
// decodes cleanly. Returns (_, false, nil) for ordinary pass-through output.
// A line that carries the prefix but does not decode is a protocol error.
func ParseFrame(line string) (Frame, bool, error) {
	if !strings.HasPrefix(line, FramePrefix) {
		return Frame{}, false, nil
	}

	payload := strings.TrimPrefix(line, FramePrefix)
	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{}, true, fmt.Errorf("malformed protocol frame: %w", err)
	}
	if f.Type != FrameLog && f.Type != FrameResult && f.Type != FrameError {
		return Frame{}, true, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, true, nil
}

// EncodeFrame renders a frame as a single stdout line, prefix included.
// The worker side uses this; the parent only parses.
func EncodeFrame(f Frame) (string, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode protocol frame: %w", err)
	}
	return FramePrefix + string(payload), nil
}

// WorkerConfig is the single configuration message sent to a worker on
// stdin. It is constructed fresh for every run and immutable once written.
//
// Exactly one of FilePath or ModulePath is set, matching the target kind
// the developer pointed the dev command at.
type WorkerConfig struct {
	// FilePath is the rollout source file, when the target is a file.
	FilePath string `json:"filePath,omitempty"`

	// ModulePath is the logical module name, when the target is a module.
	ModulePath string `json:"modulePath,omitempty"`

	// FunctionName is the explicit callable to invoke. Empty means the
	// worker auto-selects when exactly one callable is registered.
	FunctionName string `json:"functionName,omitempty"`

	// Args are the invocation arguments keyed by parameter name. Values
	// were opportunistically JSON-parsed by the orchestrator; anything
	// that failed to parse is carried as a JSON string.
	Args map[string]json.RawMessage `json:"args"`

	// ParamOrder is the discovered positional ordering of parameters.
	// The worker invokes the callable with Args laid out in this order;
	// missing arguments are absent/zero-valued.
	ParamOrder []string `json:"paramOrder,omitempty"`

	// Env are environment variables to inject before loading the module.
	Env map[string]string `json:"env,omitempty"`

	// CacheServerPort is the loopback port of the record/replay cache.
	CacheServerPort int `json:"cacheServerPort"`

	// Backend connection parameters, passed through so the worker's
	// tracing layer can reach the same project.
	BaseURL       string `json:"baseUrl,omitempty"`
	ProjectAPIKey string `json:"projectApiKey,omitempty"`
	HTTPPort      int    `json:"httpPort,omitempty"`
	GRPCPort      int    `json:"grpcPort,omitempty"`

	// ExternalPackages lists packages the worker's loader must treat as
	// external (not bundled/transpiled).
	ExternalPackages []string `json:"externalPackages,omitempty"`

	// DynamicImportsToSkip lists dynamic imports the worker's loader
	// must not attempt to resolve.
	DynamicImportsToSkip []string `json:"dynamicImportsToSkip,omitempty"`
}

// Validate checks the config is coherent enough to hand to a worker.
func (c *WorkerConfig) Validate() error {
	if c.FilePath == "" && c.ModulePath == "" {
		return fmt.Errorf("worker config: one of filePath or modulePath is required")
	}
	if c.FilePath != "" && c.ModulePath != "" {
		return fmt.Errorf("worker config: filePath and modulePath are mutually exclusive")
	}
	if c.CacheServerPort <= 0 || c.CacheServerPort > 65535 {
		return fmt.Errorf("worker config: cacheServerPort %d out of range", c.CacheServerPort)
	}
	return nil
}
