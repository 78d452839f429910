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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/AleutianAI/RolloutLocal/internal/discovery"
	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// invokeError carries a failure with an optional interpreter stack, so the
// error frame can include it.
type invokeError struct {
	Message string
	Stack   string
}

func (e *invokeError) Error() string { return e.Message }

func asInvokeError(err error, target **invokeError) bool {
	return errors.As(err, target)
}

// invoke interprets the configured source file and calls the selected
// function with the configured arguments, returning its JSON-encoded value.
func invoke(ctx context.Context, cfg protocol.WorkerConfig) (json.RawMessage, error) {
	if cfg.ModulePath != "" {
		return nil, fmt.Errorf("the Go reference worker loads source files, not modules; got module %q", cfg.ModulePath)
	}

	callables, pkg, err := discovery.ListCallables(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	selected, err := discovery.SelectCallable(callables, cfg.FunctionName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.FilePath, err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("initialize interpreter: %w", err)
	}
	if _, err := i.EvalPath(cfg.FilePath); err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.FilePath, err)
	}

	fn, err := i.Eval(pkg + "." + selected.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", pkg, selected.Name, err)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s.%s is not a function", pkg, selected.Name)
	}

	order := cfg.ParamOrder
	if len(order) == 0 {
		for _, p := range selected.Params {
			order = append(order, p.Name)
		}
	}

	in, err := buildArgs(ctx, fn.Type(), order, cfg.Args)
	if err != nil {
		return nil, err
	}

	out, err := callFunction(fn, in)
	if err != nil {
		return nil, err
	}
	return resolveResults(out)
}

// buildArgs lays the named arguments out positionally against the
// function's parameter types. A leading context.Context is supplied by the
// worker; missing arguments become zero values.
func buildArgs(ctx context.Context, t reflect.Type, order []string, args map[string]json.RawMessage) ([]reflect.Value, error) {
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic rollout functions are not supported")
	}

	in := make([]reflect.Value, 0, t.NumIn())
	offset := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	for pos := offset; pos < t.NumIn(); pos++ {
		pt := t.In(pos)

		var name string
		if idx := pos - offset; idx < len(order) {
			name = order[idx]
		}
		raw, ok := args[name]
		if !ok || len(raw) == 0 {
			in = append(in, reflect.Zero(pt))
			continue
		}

		v := reflect.New(pt)
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			// The parent opportunistically unwraps string-encoded JSON,
			// which can leave a bare value where the callable wants the
			// original text. Carry the raw text for string parameters.
			if pt.Kind() == reflect.String {
				v.Elem().SetString(string(raw))
			} else {
				return nil, fmt.Errorf("argument %q does not fit parameter type %s: %w", name, pt, err)
			}
		}
		in = append(in, v.Elem())
	}
	return in, nil
}

// callFunction invokes the callable, converting a panic inside the
// interpreted code into an error with the captured stack.
func callFunction(fn reflect.Value, in []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &invokeError{
				Message: fmt.Sprintf("rollout function panicked: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn.Call(in), nil
}

// resolveResults maps the callable's return values onto the wire: a
// trailing error return resolves the run when non-nil, a single remaining
// value is the result, and multiple values are carried as a JSON array.
func resolveResults(out []reflect.Value) (json.RawMessage, error) {
	if n := len(out); n > 0 && out[n-1].Type().Implements(errorType) {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return json.RawMessage("null"), nil
	case 1:
		encoded, err := json.Marshal(out[0].Interface())
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return encoded, nil
	default:
		values := make([]any, len(out))
		for i, v := range out {
			values[i] = v.Interface()
		}
		encoded, err := json.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("encode results: %w", err)
		}
		return encoded, nil
	}
}
