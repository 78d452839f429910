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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportStatus(t *testing.T) {
	sessionID := uuid.New()
	var gotPath, gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, "key-123", nil, discardLogger())
	require.NoError(t, b.ReportStatus(t.Context(), sessionID, StatusRunning))

	assert.Equal(t, "/v1/rollout/sessions/"+sessionID.String()+"/status", gotPath)
	assert.Equal(t, "Bearer key-123", gotAuth)
	assert.Equal(t, map[string]string{"status": "RUNNING"}, gotBody)
}

func TestReportStatusBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, "", nil, discardLogger())
	err := b.ReportStatus(t.Context(), uuid.New(), StatusFinished)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDeleteSessionTreatsNotFoundAsSuccess(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, "", nil, discardLogger())
	require.NoError(t, b.DeleteSession(t.Context(), uuid.New()))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestFetchTraceCalls(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/traces/tr-9/calls", r.URL.Path)
		assert.Equal(t, []string{"llm.call", "tool.search"}, r.URL.Query()["path"])

		calls := []RecordedCall{
			{Name: "openai.chat", Path: "llm.call", Output: json.RawMessage(`"cached"`), StartTime: start},
			{Name: "search", Path: "tool.search", Output: json.RawMessage(`[]`), StartTime: start.Add(time.Second)},
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"calls": calls})
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, "", nil, discardLogger())
	calls, err := b.FetchTraceCalls(t.Context(), "tr-9", []string{"llm.call", "tool.search"})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "llm.call", calls[0].Path)
	assert.True(t, calls[1].StartTime.After(calls[0].StartTime))
}

func TestFetchTraceCallsErrorPaths(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer srv.Close()

		b := NewBackend(srv.URL, "", nil, discardLogger())
		_, err := b.FetchTraceCalls(t.Context(), "tr-x", []string{"a"})
		require.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		b := NewBackend(srv.URL, "", nil, discardLogger())
		_, err := b.FetchTraceCalls(t.Context(), "tr-x", []string{"a"})
		require.Error(t, err)
	})
}
