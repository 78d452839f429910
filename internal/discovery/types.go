// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery determines a rollout callable's canonical name and
// ordered parameter list from a heterogeneous set of sources.
//
// A target is either a source file or a logical module name. Dispatch is a
// tagged registry rather than runtime introspection: file targets select a
// strategy by extension, module targets always go through the external
// discovery subcommand. Unrecognized extensions fall back to deriving a
// name from the file's base name with an empty parameter list.
package discovery

import (
	"encoding/json"
	"fmt"
)

// Param is one parameter of a discovered callable.
type Param struct {
	Name string `json:"name"`
	// TypeHint is the declared type where the source language exposes
	// one; empty otherwise.
	TypeHint string `json:"type,omitempty"`
}

// UnmarshalJSON accepts both the object form {"name":..,"type":..} and the
// bare-string shorthand older discovery subcommands emit.
func (p *Param) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Name = s
		p.TypeHint = ""
		return nil
	}

	type paramAlias Param
	var alias paramAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("param must be a string or {name, type} object: %w", err)
	}
	*p = Param(alias)
	return nil
}

// Metadata is a discovered callable's shape.
type Metadata struct {
	// Name is the callable's declared (human-facing) name.
	Name string `json:"name"`

	// ExportName is the underlying export/symbol name when it differs
	// from Name; empty when they coincide.
	ExportName string `json:"exportName,omitempty"`

	// Params is the ordered parameter list.
	Params []Param `json:"params"`
}

// ParamNames returns the ordered parameter names, the form the worker
// config carries.
func (m Metadata) ParamNames() []string {
	names := make([]string, len(m.Params))
	for i, p := range m.Params {
		names[i] = p.Name
	}
	return names
}

// TargetKind tags what the developer pointed the dev command at.
type TargetKind int

const (
	// TargetFile is a source file on disk.
	TargetFile TargetKind = iota

	// TargetModule is a logical module name resolved by the language
	// runtime, not a path.
	TargetModule
)

// String returns the kind's wire name.
func (k TargetKind) String() string {
	switch k {
	case TargetFile:
		return "file"
	case TargetModule:
		return "module"
	default:
		return "unknown"
	}
}

// Target identifies what to discover.
type Target struct {
	Kind TargetKind

	// Path is set for TargetFile.
	Path string

	// Module is set for TargetModule.
	Module string

	// Function optionally pins the callable by name. Empty means
	// auto-select when the source registers exactly one.
	Function string
}
