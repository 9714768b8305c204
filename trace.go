// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package latencytrace measures the latency of instrumented code by
// aggregating per-SpanGroup histograms across every goroutine a
// workload runs on. It drives an upstream tracing infrastructure
// through the spanapi contract; package spanrt is the reference
// implementation of that contract.
package latencytrace

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/pvillela/latencytrace/internal/accum"
	"github.com/pvillela/latencytrace/spanrt"
)

// installed guards against more than one measurement running at once:
// only one may be in flight in this process, direct or probed. Each
// measurement builds its own subscriber and spanrt.Runtime and hands
// the Runtime to the workload; no subscriber is installed process-wide,
// so this flag is the only process-global state a measurement holds.
var installed atomic.Bool

// LatencyTrace runs measurements under one Config.
type LatencyTrace struct {
	cfg Config
}

// New returns a LatencyTrace configured by opts over DefaultConfig.
func New(opts ...Option) *LatencyTrace {
	return &LatencyTrace{cfg: NewConfig(opts...)}
}

func (lt *LatencyTrace) newEngine() (*spanrt.Runtime, *accum.Collector) {
	collector := accum.NewCollector()
	sub := newSubscriber(lt.cfg, collector)
	rt := spanrt.New(sub)
	sub.bindSource(rt)
	return rt, collector
}

// MeasureLatencies runs f to completion under a fresh measurement and
// returns the resulting Timings. f must join every goroutine it spawns
// via Group before returning: Timings is computed only after f itself
// returns.
func (lt *LatencyTrace) MeasureLatencies(f func(ctx context.Context, rt *spanrt.Runtime)) (Timings, error) {
	if !installed.CompareAndSwap(false, true) {
		return Timings{}, ErrAlreadyInstalled
	}
	defer installed.Store(false)

	rt, collector := lt.newEngine()
	ctx := newHolderContext(context.Background())
	f(ctx, rt)

	return newTimings(collector.Snapshot(), lt.cfg.Percentiles), nil
}

// MeasureLatenciesAsync is MeasureLatencies for a workload that wants
// to fan out concurrent subtasks: f receives a *Group to spawn them on
// and an already-cancelable context; the wrapper waits for the group
// before computing Timings, the Go analogue of block_on-ing an async
// runtime.
func (lt *LatencyTrace) MeasureLatenciesAsync(f func(ctx context.Context, rt *spanrt.Runtime, g *Group)) (Timings, error) {
	return lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		g, gctx := NewGroup(ctx)
		f(gctx, rt, g)
		_ = g.Wait()
	})
}

// Handle is returned by MeasureLatenciesProbed: it lets a caller
// observe Timings while the measured workload is still running.
type Handle struct {
	cfg       Config
	collector *accum.Collector
	done      chan struct{}
}

// Probe returns the current Timings without waiting for the workload
// to finish.
func (h *Handle) Probe() Timings {
	return newTimings(h.collector.Snapshot(), h.cfg.Percentiles)
}

// Join blocks until the workload has finished, then returns the final
// Timings.
func (h *Handle) Join() Timings {
	<-h.done
	return newTimings(h.collector.Snapshot(), h.cfg.Percentiles)
}

// MeasureLatenciesProbed starts f on its own goroutine and returns
// immediately with a Handle for probing or joining it.
func (lt *LatencyTrace) MeasureLatenciesProbed(f func(ctx context.Context, rt *spanrt.Runtime)) (*Handle, error) {
	if !installed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInstalled
	}

	rt, collector := lt.newEngine()
	ctx := newHolderContext(context.Background())

	h := &Handle{cfg: lt.cfg, collector: collector, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer installed.Store(false)
		// A panicking probed workload must not take the process down
		// with it, since the caller never gets a chance to wrap f in
		// its own recover (unlike the direct-mode path, where f runs
		// on the caller's own goroutine).
		defer recoverInto("MeasureLatenciesProbed")
		f(ctx, rt)
	}()
	return h, nil
}

// MeasureLatenciesProbedAsync combines MeasureLatenciesProbed with the
// same fan-out convenience MeasureLatenciesAsync gives the direct form.
func (lt *LatencyTrace) MeasureLatenciesProbedAsync(f func(ctx context.Context, rt *spanrt.Runtime, g *Group)) (*Handle, error) {
	return lt.MeasureLatenciesProbed(func(ctx context.Context, rt *spanrt.Runtime) {
		g, gctx := NewGroup(ctx)
		f(gctx, rt, g)
		_ = g.Wait()
	})
}

// Group spawns concurrently-scheduled workers that each need their own
// goroutine-scoped accumulator, matching the exclusivity a
// thread-local accumulator would give, and joins them before
// MeasureLatencies/MeasureLatenciesProbed compute Timings. It wraps
// errgroup.Group
// rather than a bare sync.WaitGroup so a worker's error (or the
// group's context being canceled) is visible to every sibling, the
// same contract errgroup gives any other Go program spawning a batch
// of related goroutines.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewGroup returns a Group plus a context derived from ctx for use by
// workers spawned on it (cancelable the way errgroup.WithContext's is).
func NewGroup(ctx context.Context) (*Group, context.Context) {
	eg, gctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: gctx}, gctx
}

// Go spawns f on a new goroutine, with its own accumulator layered
// onto the Group's context so f's spans commit independently of any
// sibling worker's.
func (g *Group) Go(f func(ctx context.Context) error) {
	childCtx := newHolderContext(g.ctx)
	g.eg.Go(func() error { return f(childCtx) })
}

// Wait blocks until every worker spawned via Go has returned,
// returning the first non-nil error, if any.
func (g *Group) Wait() error { return g.eg.Wait() }
