// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devloop

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/RolloutLocal/internal/controlplane"
	"github.com/AleutianAI/RolloutLocal/internal/discovery"
)

// Session is the local record of one rollout dev session. Exactly one is
// active per command invocation; the remote counterpart is deleted on
// shutdown.
type Session struct {
	ID uuid.UUID

	mu       sync.Mutex
	status   controlplane.SessionStatus
	function string
	params   []discovery.Param
}

// NewSession creates a pending session with a fresh identifier.
func NewSession() *Session {
	return &Session{
		ID:     uuid.New(),
		status: controlplane.StatusPending,
	}
}

// SetStatus records the current lifecycle state.
func (s *Session) SetStatus(status controlplane.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Status returns the current lifecycle state.
func (s *Session) Status() controlplane.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetFunction records the discovered callable shape.
func (s *Session) SetFunction(name string, params []discovery.Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.function = name
	s.params = append([]discovery.Param(nil), params...)
}

// Function returns the discovered callable name and parameters.
func (s *Session) Function() (string, []discovery.Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.function, append([]discovery.Param(nil), s.params...)
}
