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
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"log/slog"
	"sort"
	"strings"
)

// Callable is one invocable top-level function found in a Go source file.
type Callable struct {
	Name   string
	Params []Param
}

// GoSourceStrategy statically analyzes a Go source file and selects the
// rollout callable: every exported top-level function is a candidate. An
// explicit function name must exist or the error lists what is available;
// with no explicit name, exactly one candidate auto-selects and several
// candidates are an error listing all of them.
//
// Context parameters are an invocation detail the worker supplies itself,
// so a leading context.Context is dropped from the discovered parameter
// list; the backend's entry form should only ask for real arguments.
type GoSourceStrategy struct {
	logger *slog.Logger
}

// NewGoSourceStrategy creates the strategy.
func NewGoSourceStrategy(logger *slog.Logger) *GoSourceStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoSourceStrategy{logger: logger.With("strategy", "gosource")}
}

// Discover parses the file and selects the callable per the rules above.
func (g *GoSourceStrategy) Discover(_ context.Context, target Target) (Metadata, error) {
	callables, _, err := ListCallables(target.Path)
	if err != nil {
		return Metadata{}, err
	}

	selected, err := SelectCallable(callables, target.Function)
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", target.Path, err)
	}

	g.logger.Debug("selected rollout function",
		"path", target.Path,
		"function", selected.Name,
		"params", len(selected.Params),
	)
	return Metadata{Name: selected.Name, Params: selected.Params}, nil
}

// ListCallables parses a Go source file and returns its exported top-level
// functions in declaration order, plus the package name. Methods and
// unexported functions are not candidates.
func ListCallables(path string) ([]Callable, string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}

	var callables []Callable
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || !fn.Name.IsExported() {
			continue
		}
		callables = append(callables, Callable{
			Name:   fn.Name.Name,
			Params: paramsOf(fn),
		})
	}
	return callables, file.Name.Name, nil
}

// SelectCallable applies the selection rules shared with the worker.
func SelectCallable(callables []Callable, explicit string) (Callable, error) {
	if explicit != "" {
		for _, c := range callables {
			if c.Name == explicit {
				return c, nil
			}
		}
		return Callable{}, fmt.Errorf("function %q not found; available: %s",
			explicit, callableNames(callables))
	}

	switch len(callables) {
	case 0:
		return Callable{}, fmt.Errorf("no exported functions found")
	case 1:
		return callables[0], nil
	default:
		return Callable{}, fmt.Errorf("multiple functions found, pass one explicitly: %s",
			callableNames(callables))
	}
}

// paramsOf extracts the ordered parameter descriptors of a function,
// dropping a leading context.Context.
func paramsOf(fn *ast.FuncDecl) []Param {
	params := []Param{}
	if fn.Type.Params == nil {
		return params
	}

	for fieldIdx, field := range fn.Type.Params.List {
		hint := types.ExprString(field.Type)

		if fieldIdx == 0 && hint == "context.Context" {
			continue
		}

		if len(field.Names) == 0 {
			// Unnamed parameter; position-derived name keeps ordering
			// intact for the entry form.
			params = append(params, Param{
				Name:     fmt.Sprintf("arg%d", len(params)),
				TypeHint: hint,
			})
			continue
		}
		for _, name := range field.Names {
			params = append(params, Param{Name: name.Name, TypeHint: hint})
		}
	}
	return params
}

// callableNames renders a sorted, comma-separated name list for errors.
func callableNames(callables []Callable) string {
	names := make([]string, len(callables))
	for i, c := range callables {
		names[i] = c.Name
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
