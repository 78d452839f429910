// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/AleutianAI/RolloutLocal/internal/protocol"
)

// MockExecutor is a test double for Executor.
//
// Configure the ExecuteFunc field before use; Kill and IsRunning maintain
// the single-flight flag the same way the real Runner does, so orchestrator
// tests exercise the same state transitions.
type MockExecutor struct {
	// ExecuteFunc is called for each Execute once the single-flight
	// check passes. If nil, Execute returns an empty JSON object.
	ExecuteFunc func(ctx context.Context, command string, args []string, cfg protocol.WorkerConfig) (json.RawMessage, error)

	// KillFunc, if set, is invoked on Kill in addition to the state
	// bookkeeping.
	KillFunc func()

	mu       sync.Mutex
	running  bool
	killed   bool
	Executed []protocol.WorkerConfig
	Kills    int
}

// Execute delegates to ExecuteFunc, enforcing single-flight.
func (m *MockExecutor) Execute(ctx context.Context, command string, args []string, cfg protocol.WorkerConfig) (json.RawMessage, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunInFlight
	}
	m.running = true
	m.killed = false
	m.Executed = append(m.Executed, cfg)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.ExecuteFunc == nil {
		return json.RawMessage(`{}`), nil
	}
	return m.ExecuteFunc(ctx, command, args, cfg)
}

// Kill records the call and flips the killed flag for WasKilled.
func (m *MockExecutor) Kill() {
	m.mu.Lock()
	m.Kills++
	if m.running {
		m.killed = true
	}
	kill := m.KillFunc
	m.mu.Unlock()

	if kill != nil {
		kill()
	}
}

// IsRunning implements Executor.
func (m *MockExecutor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// WasKilled reports whether Kill landed while a run was active.
func (m *MockExecutor) WasKilled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed
}

// Compile-time interface compliance check.
var _ Executor = (*MockExecutor)(nil)
