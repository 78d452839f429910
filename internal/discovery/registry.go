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
	"path/filepath"
	"strings"
)

// Strategy resolves a target into function metadata. One implementation
// exists per supported source kind; the registry selects by extension or
// module tag, never by runtime introspection.
type Strategy interface {
	Discover(ctx context.Context, target Target) (Metadata, error)
}

// Options configures a Registry.
type Options struct {
	// SubcommandArgv is the base command of the external per-language
	// discovery subcommand, e.g. ["lmnr"] or ["npx", "lmnr"]. The
	// registry appends "discover" plus target flags.
	SubcommandArgv []string

	// Logger for discovery decisions. Nil uses slog.Default().
	Logger *slog.Logger
}

// Registry dispatches discovery by target kind and file extension.
//
// Thread Safety: Safe for concurrent use after construction; the strategy
// tables are not mutated after NewRegistry returns.
type Registry struct {
	byExt    map[string]Strategy
	module   Strategy
	fallback Strategy
	logger   *slog.Logger
}

// NewRegistry builds the default strategy table:
//
//	.go                      in-process parse/select (GoSourceStrategy)
//	.py .js .ts .mjs .mts    external discovery subcommand
//	module targets           external discovery subcommand
//	anything else            base-name fallback with empty params
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "discovery")

	sub := NewSubcommandStrategy(opts.SubcommandArgv, logger)
	goSrc := NewGoSourceStrategy(logger)

	byExt := map[string]Strategy{
		".go":  goSrc,
		".py":  sub,
		".js":  sub,
		".ts":  sub,
		".mjs": sub,
		".mts": sub,
	}

	return &Registry{
		byExt:    byExt,
		module:   sub,
		fallback: &fallbackStrategy{logger: logger},
		logger:   logger,
	}
}

// Discover resolves the target's callable name and parameter list.
//
// Module targets always use the external subcommand strategy. File targets
// dispatch by extension; unrecognized extensions use the fallback, which
// derives a name from the base name, returns no parameters, and warns.
func (r *Registry) Discover(ctx context.Context, target Target) (Metadata, error) {
	switch target.Kind {
	case TargetModule:
		if target.Module == "" {
			return Metadata{}, fmt.Errorf("discovery: module target without a module name")
		}
		return r.module.Discover(ctx, target)

	case TargetFile:
		if target.Path == "" {
			return Metadata{}, fmt.Errorf("discovery: file target without a path")
		}
		ext := strings.ToLower(filepath.Ext(target.Path))
		if strategy, ok := r.byExt[ext]; ok {
			return strategy.Discover(ctx, target)
		}
		return r.fallback.Discover(ctx, target)

	default:
		return Metadata{}, fmt.Errorf("discovery: unknown target kind %d", target.Kind)
	}
}

// Applies reports whether a fresh discovery pass is meaningful for this
// target. The base-name fallback has nothing to re-learn on reload.
func (r *Registry) Applies(target Target) bool {
	if target.Kind == TargetModule {
		return true
	}
	ext := strings.ToLower(filepath.Ext(target.Path))
	_, ok := r.byExt[ext]
	return ok
}

// fallbackStrategy derives the function name from the file base name and
// reports no parameters. Used for extensions no strategy claims.
type fallbackStrategy struct {
	logger *slog.Logger
}

func (f *fallbackStrategy) Discover(_ context.Context, target Target) (Metadata, error) {
	base := filepath.Base(target.Path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	f.logger.Warn("no discovery strategy for extension, deriving name from file",
		"path", target.Path,
		"derived_name", name,
	)
	return Metadata{Name: name, Params: []Param{}}, nil
}
