// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunk reassembles logical messages that were split into ordered
// chunks identified by a batch id.
//
// Both the control channel and the cache protocol split oversized payloads
// into chunks to stay under per-message transport limits. The reassembler
// buffers partial batches and returns the joined message once the final
// chunk arrives. Abandoned batches (a sender died mid-transfer) are pruned
// opportunistically so memory stays bounded without a background goroutine.
package chunk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultExpiry is how long a partial batch may go untouched before it is
// eligible for pruning.
const DefaultExpiry = 60 * time.Second

// Sentinel errors returned by Add.
var (
	// ErrIndexOutOfRange indicates a chunk index at or beyond the
	// declared total for its batch.
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrTotalMismatch indicates two chunks of the same batch declared
	// different totals.
	ErrTotalMismatch = errors.New("chunk total mismatch within batch")
)

// buffer holds one partially received batch.
type buffer struct {
	chunks      map[int]string
	total       int
	lastTouched time.Time
}

// Reassembler collects chunks and yields complete messages.
//
// Thread Safety: Safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	expiry  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewReassembler creates a Reassembler with the default 60s expiry.
func NewReassembler() *Reassembler {
	return NewReassemblerWithExpiry(DefaultExpiry)
}

// NewReassemblerWithExpiry creates a Reassembler with a custom expiry
// window. Zero or negative durations fall back to DefaultExpiry.
func NewReassemblerWithExpiry(expiry time.Duration) *Reassembler {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Reassembler{
		buffers: make(map[string]*buffer),
		expiry:  expiry,
		now:     time.Now,
	}
}

// Add records one chunk of a batch.
//
// Description:
//
//	Inserts the chunk into its batch buffer, creating the buffer on the
//	first chunk. When the batch reaches its declared total, the chunks are
//	joined in index order, the buffer is removed immediately, and the
//	complete message is returned. Stale buffers across all batches are
//	pruned on every call.
//
// Inputs:
//   - batchID: Identifier shared by all chunks of one logical message.
//   - index: 0-based position of this chunk.
//   - total: Declared number of chunks in the batch. Must be >= 1 and
//     consistent across the batch.
//   - payload: The chunk body.
//
// Outputs:
//   - string: The reassembled message, when complete.
//   - bool: True when the batch completed on this call.
//   - error: Non-nil on an out-of-range index or a total mismatch.
func (r *Reassembler) Add(batchID string, index, total int, payload string) (string, bool, error) {
	if total < 1 {
		return "", false, fmt.Errorf("%w: total %d", ErrIndexOutOfRange, total)
	}
	if index < 0 || index >= total {
		return "", false, fmt.Errorf("%w: index %d of total %d", ErrIndexOutOfRange, index, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	buf, ok := r.buffers[batchID]
	if !ok {
		buf = &buffer{chunks: make(map[int]string), total: total}
		r.buffers[batchID] = buf
	} else if buf.total != total {
		return "", false, fmt.Errorf("%w: batch %q declared %d then %d", ErrTotalMismatch, batchID, buf.total, total)
	}

	buf.chunks[index] = payload
	buf.lastTouched = r.now()

	if len(buf.chunks) < buf.total {
		return "", false, nil
	}

	// Complete: remove before returning so the invariant "a batch is gone
	// the moment it reaches its total" holds even if the caller re-sends.
	delete(r.buffers, batchID)

	indices := make([]int, 0, len(buf.chunks))
	for i := range buf.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var sb strings.Builder
	for _, i := range indices {
		sb.WriteString(buf.chunks[i])
	}
	return sb.String(), true, nil
}

// Pending returns the number of incomplete batches currently buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// pruneLocked drops buffers untouched for longer than the expiry window.
// Caller must hold r.mu.
func (r *Reassembler) pruneLocked() {
	cutoff := r.now().Add(-r.expiry)
	for id, buf := range r.buffers {
		if buf.lastTouched.Before(cutoff) && !buf.lastTouched.IsZero() {
			delete(r.buffers, id)
		}
	}
}
