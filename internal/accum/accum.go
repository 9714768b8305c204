// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package accum implements the per-goroutine accumulator and the
// cross-goroutine collector that merges them into a single report.
//
// Go has no OS-thread-local storage, so a goroutine-scoped accumulator
// stands in: it is reached via context.Context and allocated by the
// root package's Go helper for anything that needs the exclusivity a
// thread-local would give. The collector never discards a registered
// accumulator; Go's GC keeps whatever it still references alive, so no
// separate staging area is needed for terminated goroutines.
package accum

import (
	"time"

	"github.com/pvillela/latencytrace/group"
	"github.com/pvillela/latencytrace/internal/hist"
	"github.com/pvillela/latencytrace/internal/locking"
)

// Accumulator is the per-goroutine mapping SpanGroup -> (total, active)
// histograms. All Commit calls for a given Accumulator are expected to
// come from the single goroutine that owns it; the mutex exists only
// to coordinate with a concurrent Collector.Snapshot while the owning
// goroutine is still running, not to protect against concurrent
// commits.
type Accumulator struct {
	cfg hist.Config

	mu     locking.Mutex
	pairs  map[group.Key]*hist.Pair
	groups map[group.Key]*group.SpanGroup
}

// New returns an empty Accumulator and registers it with c so it is
// reachable for future snapshots.
func New(cfg hist.Config, c *Collector) *Accumulator {
	a := &Accumulator{
		cfg:    cfg,
		pairs:  make(map[group.Key]*hist.Pair),
		groups: make(map[group.Key]*group.SpanGroup),
	}
	c.register(a)
	return a
}

func microsOf(d time.Duration) int64 {
	return d.Microseconds()
}

// Commit records one span's (total, active) durations against g. It
// is the only accumulator operation on the per-span hot path; it
// takes a briefly-held lock solely so a concurrent probe can safely
// clone this goroutine's data without blocking the workload for more
// than the duration of that copy.
func (a *Accumulator) Commit(g *group.SpanGroup, total, active time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pairs[g.Key()]
	if !ok {
		p = hist.NewPair(a.cfg)
		a.pairs[g.Key()] = p
		a.groups[g.Key()] = g
	}
	p.Record(microsOf(total), microsOf(active))
}

// Entry pairs a SpanGroup with its merged histograms, for a snapshot.
type Entry struct {
	Group *group.SpanGroup
	Pair  *hist.Pair
}

func (a *Accumulator) cloneEntries() map[group.Key]*Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[group.Key]*Entry, len(a.pairs))
	for k, p := range a.pairs {
		out[k] = &Entry{Group: a.groups[k], Pair: p.Clone()}
	}
	return out
}

// Collector is the cross-goroutine registry: it holds a reference to
// every Accumulator created during a measurement and merges them into
// a single map on Snapshot.
type Collector struct {
	mu   locking.Mutex
	accs []*Accumulator
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) register(a *Accumulator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accs = append(c.accs, a)
}

// Snapshot visits every registered accumulator, clone-merges each
// (group, histograms) pair into a single map, and returns it. Safe to
// call while accumulators are still being written to (probed mode) or
// after the workload has finished (direct mode); either way each
// accumulator's contribution is a consistent point-in-time copy.
func (c *Collector) Snapshot() map[group.Key]*Entry {
	c.mu.Lock()
	accs := make([]*Accumulator, len(c.accs))
	copy(accs, c.accs)
	c.mu.Unlock()

	out := make(map[group.Key]*Entry)
	for _, a := range accs {
		for k, e := range a.cloneEntries() {
			if existing, ok := out[k]; ok {
				existing.Pair.Merge(e.Pair)
			} else {
				out[k] = e
			}
		}
	}
	return out
}
