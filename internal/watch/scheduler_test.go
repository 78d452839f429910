// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	s, err := NewScheduler(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestBurstCoalescesIntoOneReload(t *testing.T) {
	var reloads atomic.Int32
	s := startScheduler(t, Options{
		Debounce:    100 * time.Millisecond,
		OnReloadDue: func() { reloads.Add(1) },
	})

	// Five changes inside the quiescence window.
	for i := 0; i < 5; i++ {
		s.signalChange()
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return reloads.Load() == 1 })
	// Nothing further arrives after quiescence.
	time.Sleep(150 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Errorf("reloads = %d, want 1", got)
	}

	if !s.ReloadDue() {
		t.Error("ReloadDue() = false after quiesced burst")
	}
	if !s.ConsumeReload() {
		t.Error("ConsumeReload() = false, want true")
	}
	if s.ConsumeReload() {
		t.Error("second ConsumeReload() = true, want false")
	}
}

func TestEachQuiescedBurstSchedulesItsOwnReload(t *testing.T) {
	var reloads atomic.Int32
	s := startScheduler(t, Options{
		Debounce:    30 * time.Millisecond,
		OnReloadDue: func() { reloads.Add(1) },
	})

	s.signalChange()
	waitFor(t, time.Second, func() bool { return reloads.Load() == 1 })

	s.signalChange()
	waitFor(t, time.Second, func() bool { return reloads.Load() == 2 })
}

func TestCancelHookRunsBeforeDebounce(t *testing.T) {
	var cancels atomic.Int32
	var reloads atomic.Int32
	s := startScheduler(t, Options{
		// Long debounce: the cancel hook must not wait for it.
		Debounce:    2 * time.Second,
		OnChange:    func() { cancels.Add(1) },
		OnReloadDue: func() { reloads.Add(1) },
	})

	s.signalChange()

	if got := cancels.Load(); got != 1 {
		t.Fatalf("cancel hook ran %d times, want 1 (synchronously)", got)
	}
	if got := reloads.Load(); got != 0 {
		t.Errorf("reload marked due %d times before debounce expiry", got)
	}
}

func TestFileWriteTriggersChange(t *testing.T) {
	var cancels atomic.Int32
	s, err := NewScheduler(t.TempDir(), Options{
		Debounce: 20 * time.Millisecond,
		OnChange: func() { cancels.Add(1) },
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	path := filepath.Join(s.root, "agent.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return cancels.Load() > 0 })
	waitFor(t, 2*time.Second, s.ReloadDue)
}

func TestIgnoredFilesDoNotTriggerChanges(t *testing.T) {
	var cancels atomic.Int32
	s := startScheduler(t, Options{
		Debounce: 20 * time.Millisecond,
		OnChange: func() { cancels.Add(1) },
	})

	path := filepath.Join(s.root, "dev.log")
	if err := os.WriteFile(path, []byte("noise\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := cancels.Load(); got != 0 {
		t.Errorf("ignored file triggered %d changes", got)
	}
}

func TestShouldIgnore(t *testing.T) {
	s := &Scheduler{ignore: defaultIgnore}

	tests := []struct {
		path string
		want bool
	}{
		{"/proj/node_modules", true},
		{"/proj/src/node_modules", true},
		{"/proj/.git", true},
		{"/proj/__pycache__", true},
		{"/proj/dist", true},
		{"/proj/app.log", true},
		{"/proj/bundle.map", true},
		{"/proj/agent.py", false},
		{"/proj/main.go", false},
		{"/proj/src", false},
	}
	for _, tt := range tests {
		if got := s.shouldIgnore(tt.path); got != tt.want {
			t.Errorf("shouldIgnore(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := startScheduler(t, Options{})
	s.Stop()
	s.Stop()
}

// waitFor polls cond until true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
