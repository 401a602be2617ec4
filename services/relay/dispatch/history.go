// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"sync"
	"time"

	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// Execution History Ring Buffer
// =============================================================================

// History is the bounded, append-only execution record buffer.
//
// Description:
//
//	Fixed-capacity FIFO ring: appending beyond capacity evicts the oldest
//	record. No other deletion exists. Besides the Dispatcher and the
//	InitializationState, this is the only shared mutable state in the
//	engine, so all access is behind one mutex.
//
//	Rolling success rates are computed over a trailing window bounded both
//	by record count and by age — whichever is narrower.
//
// Thread Safety: Safe for concurrent use.
type History struct {
	mu       sync.Mutex
	records  []engine.ExecutionRecord // ring storage, len == capacity once full
	start    int                      // index of the oldest record
	count    int                      // number of live records
	capacity int

	windowRecords int
	windowAge     time.Duration
}

// NewHistory creates an execution history buffer.
//
// Inputs:
//
//	capacity - Ring size. Values < 1 use 100.
//	windowRecords - Trailing window bound by count. Values < 1 use capacity.
//	windowDays - Trailing window bound by age in days. Values < 1 use 30.
//
// Outputs:
//
//	*History - The constructed buffer. Never nil.
func NewHistory(capacity, windowRecords, windowDays int) *History {
	if capacity < 1 {
		capacity = 100
	}
	if windowRecords < 1 || windowRecords > capacity {
		windowRecords = capacity
	}
	if windowDays < 1 {
		windowDays = 30
	}
	return &History{
		records:       make([]engine.ExecutionRecord, capacity),
		capacity:      capacity,
		windowRecords: windowRecords,
		windowAge:     time.Duration(windowDays) * 24 * time.Hour,
	}
}

// Append adds one record, evicting the oldest when full.
func (h *History) Append(rec engine.ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < h.capacity {
		h.records[(h.start+h.count)%h.capacity] = rec
		h.count++
		return
	}
	// Full: overwrite the oldest slot and advance start.
	h.records[h.start] = rec
	h.start = (h.start + 1) % h.capacity
}

// Len returns the number of live records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []engine.ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n < 1 || n > h.count {
		n = h.count
	}
	out := make([]engine.ExecutionRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.count - 1 - i + h.capacity) % h.capacity
		out = append(out, h.records[idx])
	}
	return out
}

// ToolSuccessRate computes the rolling success rate for one tool over the
// trailing window.
//
// Outputs:
//
//	rate - Fraction of successful dispatches in [0,1]. 0 when samples == 0.
//	samples - Number of in-window records for the tool.
func (h *History) ToolSuccessRate(tool string) (rate float64, samples int) {
	return h.windowRate(func(r *engine.ExecutionRecord) bool { return r.ToolName == tool })
}

// CategorySuccessRate computes the rolling success rate across all tools in
// a category over the trailing window.
func (h *History) CategorySuccessRate(category string) (rate float64, samples int) {
	return h.windowRate(func(r *engine.ExecutionRecord) bool { return r.Category == category })
}

// windowRate walks newest-to-oldest, stopping at the window bounds.
func (h *History) windowRate(match func(*engine.ExecutionRecord) bool) (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.windowAge)
	successes, total := 0, 0
	for i := 0; i < h.count && i < h.windowRecords; i++ {
		idx := (h.start + h.count - 1 - i + h.capacity) % h.capacity
		rec := &h.records[idx]
		if rec.Timestamp.Before(cutoff) {
			break // records are appended in time order; older ones are all out of window
		}
		if !match(rec) {
			continue
		}
		total++
		if rec.Success {
			successes++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(successes) / float64(total), total
}
