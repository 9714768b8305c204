// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package record implements the per-span timing record: the state
// held per live span instance. A *Record is what the engine stores in
// the upstream tracing infrastructure's per-span extension slot
// (spanapi.Extensions).
package record

import (
	"sync"
	"time"

	"github.com/pvillela/latencytrace/group"
)

// Record holds the timing state of one live span instance.
//
// Async span activations can interleave Enter/Exit on different
// goroutines over the life of a single span, never concurrently: the
// upstream infrastructure only ever has one goroutine running a given
// span instance at a time. A small mutex gives correct
// cross-goroutine visibility for that handoff at negligible cost,
// since it is never contended: only one goroutine ever holds a given
// span's record at a time.
type Record struct {
	mu sync.Mutex

	group *group.SpanGroup

	tCreated    time.Time
	tEntered    time.Time
	entered     bool
	activeAccum time.Duration
}

// New creates a timing record for a span just resolved to g.
func New(g *group.SpanGroup, now time.Time) *Record {
	return &Record{group: g, tCreated: now}
}

// Group returns the SpanGroup this span was resolved to at creation.
func (r *Record) Group() *group.SpanGroup { return r.group }

// OnEnter marks the span as actively running. It is idempotent for a
// span already active: a nested re-entry leaves the original enter
// time in place.
func (r *Record) OnEnter(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entered {
		return
	}
	r.entered = true
	r.tEntered = now
}

// OnExit marks the span as suspended. Exits without a matching enter
// are silently ignored, tolerating out-of-order events from the
// upstream infrastructure.
func (r *Record) OnExit(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entered {
		return
	}
	r.activeAccum += now.Sub(r.tEntered)
	r.entered = false
}

// Close computes the final (total, active) durations to commit to
// the closing goroutine's
// accumulator. The record itself is discarded by the caller
// immediately afterward (removed from the extension slot).
func (r *Record) Close(now time.Time) (total, active time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.tCreated), r.activeAccum
}
