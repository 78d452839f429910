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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is a rollout session's lifecycle state.
type SessionStatus string

// Session status wire values.
const (
	StatusPending  SessionStatus = "PENDING"
	StatusRunning  SessionStatus = "RUNNING"
	StatusFinished SessionStatus = "FINISHED"
)

// RecordedCall is one instrumented call recovered from a backend-held
// trace, used to seed the replay cache.
type RecordedCall struct {
	Name       string          `json:"name"`
	Path       string          `json:"path"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	StartTime  time.Time       `json:"start_time"`
}

// Backend is the REST side of the control plane: status transitions,
// session deletion, and trace fetches for cache seeding.
type Backend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewBackend builds a Backend client. A nil httpClient uses a client with
// a 30s timeout; a nil logger uses slog.Default().
func NewBackend(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Backend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpClient,
		logger:  logger.With("component", "backend_client"),
	}
}

// ReportStatus posts a session status transition. Callers treat failures
// as non-fatal; a run proceeds even when the backend misses a transition.
func (b *Backend) ReportStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus) error {
	payload, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(b.baseURL, "v1", "rollout", "sessions", sessionID.String(), "status")
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return fmt.Errorf("report status %s: %w", status, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report status %s: backend returned %d", status, resp.StatusCode)
	}
	b.logger.Debug("reported session status", "session_id", sessionID, "status", status)
	return nil
}

// DeleteSession removes the remote session on shutdown. A 404 counts as
// success; the session is gone either way.
func (b *Backend) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	endpoint, err := url.JoinPath(b.baseURL, "v1", "rollout", "sessions", sessionID.String())
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session: backend returned %d", resp.StatusCode)
	}
	b.logger.Info("deleted rollout session", "session_id", sessionID)
	return nil
}

// FetchTraceCalls retrieves the recorded calls for the given call-site
// paths within one trace, ordered by start time.
func (b *Backend) FetchTraceCalls(ctx context.Context, traceID string, paths []string) ([]RecordedCall, error) {
	endpoint, err := url.JoinPath(b.baseURL, "v1", "traces", traceID, "calls")
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	for _, p := range paths {
		query.Add("path", p)
	}
	endpoint += "?" + query.Encode()

	resp, err := b.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch trace %s: %w", traceID, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch trace %s: backend returned %d", traceID, resp.StatusCode)
	}

	var body struct {
		Calls []RecordedCall `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	b.logger.Debug("fetched recorded calls", "trace_id", traceID, "count", len(body.Calls))
	return body.Calls, nil
}

// do builds and sends one authenticated request.
func (b *Backend) do(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	return b.client.Do(req)
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
