// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunk

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReassemblyInOrder(t *testing.T) {
	r := NewReassembler()

	for i, part := range []string{"hello ", "chunked ", "world"} {
		msg, done, err := r.Add("batch-1", i, 3, part)
		if err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
		if i < 2 {
			if done {
				t.Fatalf("Add(%d) done = true before final chunk", i)
			}
			continue
		}
		if !done {
			t.Fatal("final chunk did not complete the batch")
		}
		if msg != "hello chunked world" {
			t.Errorf("reassembled = %q", msg)
		}
	}

	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", r.Pending())
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	r := NewReassembler()

	if _, done, _ := r.Add("b", 2, 3, "c"); done {
		t.Fatal("batch completed with one chunk")
	}
	if _, done, _ := r.Add("b", 0, 3, "a"); done {
		t.Fatal("batch completed with two chunks")
	}
	msg, done, err := r.Add("b", 1, 3, "b")
	if err != nil || !done {
		t.Fatalf("Add(final) done = %v, error = %v", done, err)
	}
	if msg != "abc" {
		t.Errorf("reassembled = %q, want %q", msg, "abc")
	}
}

func TestIndependentBatches(t *testing.T) {
	r := NewReassembler()

	r.Add("x", 0, 2, "x0")
	r.Add("y", 0, 2, "y0")

	msg, done, err := r.Add("y", 1, 2, "y1")
	if err != nil || !done || msg != "y0y1" {
		t.Fatalf("batch y: msg = %q, done = %v, err = %v", msg, done, err)
	}

	if r.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 (batch x still open)", r.Pending())
	}
}

func TestAddErrors(t *testing.T) {
	r := NewReassembler()

	if _, _, err := r.Add("b", 3, 3, "p"); err == nil {
		t.Error("index == total accepted")
	}
	if _, _, err := r.Add("b", -1, 3, "p"); err == nil {
		t.Error("negative index accepted")
	}
	if _, _, err := r.Add("b", 0, 0, "p"); err == nil {
		t.Error("zero total accepted")
	}

	r.Add("b", 0, 3, "p")
	if _, _, err := r.Add("b", 1, 4, "p"); err == nil {
		t.Error("total mismatch accepted")
	}
}

func TestStaleBatchPrunedOnNextAdd(t *testing.T) {
	r := NewReassembler()
	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.Add("stale", 0, 2, "s0")
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}

	// Advance past the expiry window; any new chunk arrival prunes,
	// regardless of which batch it belongs to.
	current = current.Add(DefaultExpiry + time.Second)
	r.Add("fresh", 0, 2, "f0")

	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (stale pruned, fresh kept)", r.Pending())
	}

	// The stale batch restarts from scratch if its sender resumes.
	if _, done, _ := r.Add("stale", 1, 2, "s1"); done {
		t.Error("pruned batch completed from a single late chunk")
	}
}

func TestUntouchedRecentBatchSurvivesPrune(t *testing.T) {
	r := NewReassemblerWithExpiry(time.Minute)
	current := time.Unix(2000, 0)
	r.now = func() time.Time { return current }

	r.Add("keep", 0, 2, "k0")
	current = current.Add(30 * time.Second)
	r.Add("other", 0, 2, "o0")

	if r.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", r.Pending())
	}
}
