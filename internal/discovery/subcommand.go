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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// SubcommandStrategy shells out to an external per-language discovery
// subcommand and extracts its structured payload from combined output.
//
// The subcommand contract:
//
//	<argv...> discover --file <path> | --module <name> [--function <name>]
//
// printing a line beginning with the metadata prefix followed by a JSON
// object {name, params}. Diagnostic lines before, after, or interleaved
// with the payload are tolerated; see ExtractMetadataFromStdout.
type SubcommandStrategy struct {
	argv   []string
	logger *slog.Logger
}

// NewSubcommandStrategy creates the strategy. An empty argv defaults to
// re-invoking the current executable, whose own discover subcommand covers
// Go sources; cross-language setups override it via configuration.
func NewSubcommandStrategy(argv []string, logger *slog.Logger) *SubcommandStrategy {
	if len(argv) == 0 {
		argv = []string{os.Args[0]}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubcommandStrategy{
		argv:   argv,
		logger: logger.With("strategy", "subcommand"),
	}
}

// Discover runs the subcommand and parses its combined output.
func (s *SubcommandStrategy) Discover(ctx context.Context, target Target) (Metadata, error) {
	args := append([]string{}, s.argv[1:]...)
	args = append(args, "discover")

	switch target.Kind {
	case TargetFile:
		args = append(args, "--file", target.Path)
	case TargetModule:
		args = append(args, "--module", target.Module)
	default:
		return Metadata{}, fmt.Errorf("subcommand discovery: unsupported target kind %d", target.Kind)
	}
	if target.Function != "" {
		args = append(args, "--function", target.Function)
	}

	cmd := exec.CommandContext(ctx, s.argv[0], args...)

	// Combined output on purpose: some runtimes write their logs to
	// stderr, some to stdout, and the extraction scan handles both.
	output, runErr := cmd.CombinedOutput()

	s.logger.Debug("discovery subcommand finished",
		"command", s.argv[0],
		"args", strings.Join(args, " "),
		"output_bytes", len(output),
		"error", runErr,
	)

	meta, parseErr := ExtractMetadataFromStdout(string(output))
	if parseErr != nil {
		if runErr != nil {
			return Metadata{}, fmt.Errorf("discovery subcommand failed: %w (output: %s)",
				runErr, truncate(string(output), 512))
		}
		return Metadata{}, fmt.Errorf("discovery subcommand produced no parseable metadata: %w", parseErr)
	}

	// A payload that arrived before the process died is still a payload;
	// log the exit error but keep the metadata.
	if runErr != nil {
		s.logger.Warn("discovery subcommand exited non-zero after emitting metadata", "error", runErr)
	}
	return meta, nil
}

// truncate limits diagnostic output embedded in errors.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
