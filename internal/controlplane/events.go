// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controlplane

import (
	"encoding/json"
)

// EventType identifies a control-channel event.
type EventType string

// Wire values for control-channel events.
const (
	EventHandshake        EventType = "handshake"
	EventRun              EventType = "run"
	EventStop             EventType = "stop"
	EventHeartbeat        EventType = "heartbeat"
	EventHeartbeatTimeout EventType = "heartbeat_timeout"
	EventReconnecting     EventType = "reconnecting"
	EventError            EventType = "error"

	// eventChunk carries one piece of a larger event; it is reassembled
	// and re-dispatched internally, never surfaced to handlers.
	eventChunk EventType = "chunk"
)

// Handshake carries the identifiers needed to build the session URL.
type Handshake struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

// RunEvent is the backend's request to execute the rollout function once.
//
// Args values arrive as raw JSON; string values may themselves be
// JSON-encoded, so the orchestrator parses them opportunistically.
// Consumed exactly once, never persisted beyond the run.
type RunEvent struct {
	TraceID     string                     `json:"trace_id,omitempty"`
	PathToCount map[string]int             `json:"path_to_count,omitempty"`
	Args        map[string]json.RawMessage `json:"args,omitempty"`
	Overrides   map[string]json.RawMessage `json:"overrides,omitempty"`
}

// Handlers receives dispatched control-channel events. Nil fields are
// skipped. Handlers run on the client's read goroutine; long work belongs
// in the handler's own goroutine.
type Handlers struct {
	OnHandshake        func(Handshake)
	OnRun              func(RunEvent)
	OnStop             func()
	OnHeartbeat        func()
	OnHeartbeatTimeout func()
	OnReconnecting     func()
	OnError            func(message string)
}

// envelope is the common shape of every inbound control-channel message.
// Type-specific fields are re-decoded from the retained raw payload.
type envelope struct {
	Type EventType `json:"type"`

	// chunk fields
	BatchID     string `json:"batch_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Payload     string `json:"payload,omitempty"`

	// error field
	Message string `json:"message,omitempty"`
}
