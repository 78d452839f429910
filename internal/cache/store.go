// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the record/replay store and the loopback HTTP
// server that exposes it to the worker subprocess.
//
// The store maps (call-site path, call index) to a previously observed
// call's recorded input/output, plus per-run metadata: how many cached
// records remain eligible per path, and argument overrides. The
// orchestrator is the only writer; the worker reads over HTTP. There is no
// shared memory between the two processes, so the only concurrency rule is
// that resets must be atomic swaps of the underlying maps; a concurrent
// reader sees either the old run's state or the new run's state, never a
// partially cleared one.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Record is one recorded call, keyed by "{index}:{path}" where index is
// the 0-based occurrence of that path within one trace, ordered by the
// original start time.
type Record struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

// RunMetadata is the live per-run state the worker consults before each
// instrumented call: how many replays remain eligible per call-site path,
// and the argument overrides for the current run.
type RunMetadata struct {
	PathToCount map[string]int             `json:"pathToCount"`
	Overrides   map[string]json.RawMessage `json:"overrides,omitempty"`
}

// Key builds the canonical record key for a (path, index) pair.
func Key(index int, path string) string {
	return fmt.Sprintf("%d:%s", index, path)
}

// Store is the in-memory record/replay table.
//
// Thread Safety: Safe for concurrent use. All bulk mutations replace the
// underlying map wholesale under the write lock; Get and Metadata only
// ever observe a fully consistent generation.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	meta    RunMetadata
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]Record),
		meta:    RunMetadata{PathToCount: map[string]int{}},
	}
}

// Get returns the cached record for a (path, index) pair, if present.
func (s *Store) Get(path string, index int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Key(index, path)]
	return rec, ok
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LoadRecords replaces the record table with the given entries.
//
// The map is copied, so the caller may reuse or mutate its argument after
// the call returns.
func (s *Store) LoadRecords(records map[string]Record) {
	fresh := make(map[string]Record, len(records))
	for k, v := range records {
		fresh[k] = v
	}

	s.mu.Lock()
	s.records = fresh
	s.mu.Unlock()
}

// SetMetadata replaces the run metadata wholesale.
func (s *Store) SetMetadata(meta RunMetadata) {
	counts := make(map[string]int, len(meta.PathToCount))
	for k, v := range meta.PathToCount {
		counts[k] = v
	}
	overrides := make(map[string]json.RawMessage, len(meta.Overrides))
	for k, v := range meta.Overrides {
		overrides[k] = v
	}

	s.mu.Lock()
	s.meta = RunMetadata{PathToCount: counts, Overrides: overrides}
	s.mu.Unlock()
}

// Metadata returns a snapshot of the current run metadata.
func (s *Store) Metadata() RunMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(s.meta.PathToCount))
	for k, v := range s.meta.PathToCount {
		counts[k] = v
	}
	overrides := make(map[string]json.RawMessage, len(s.meta.Overrides))
	for k, v := range s.meta.Overrides {
		overrides[k] = v
	}
	return RunMetadata{PathToCount: counts, Overrides: overrides}
}

// Reset clears records and metadata in one swap. Every run starts here so
// nothing leaks between runs.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]Record)
	s.meta = RunMetadata{PathToCount: map[string]int{}}
	s.mu.Unlock()
}
