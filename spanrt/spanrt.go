// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package spanrt is this module's reference implementation of the
// spanapi.Source/Layer contract (see spanapi's package doc): it is the
// thing a workload actually calls to create and drive spans, and the
// thing that drives the engine's spanapi.Layer as those spans move
// through their lifecycle. It is the underlying tracing event source
// the engine observes, and is intentionally minimal: span
// creation/enter/exit/close, a context-carried current-span stack,
// and callsite registration.
package spanrt

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/pvillela/latencytrace/spanapi"
)

// extMap is a spanapi.Extensions backed by sync.Map: span ids are
// assigned once and never reused for the life of a span, so a plain
// concurrent map gives the "retrievable on every callback" guarantee
// the engine needs without it keeping its own index.
type extMap struct{ m sync.Map }

func (e *extMap) Load(id spanapi.SpanID) (any, bool) { return e.m.Load(id) }
func (e *extMap) Store(id spanapi.SpanID, v any)     { e.m.Store(id, v) }
func (e *extMap) Delete(id spanapi.SpanID)           { e.m.Delete(id) }

type spanFrame struct {
	id     spanapi.SpanID
	parent *spanFrame
}

type frameKey struct{}

func currentFrame(ctx context.Context) *spanFrame {
	f, _ := ctx.Value(frameKey{}).(*spanFrame)
	return f
}

func withFrame(ctx context.Context, f *spanFrame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// Runtime is a minimal span-event source: it assigns span ids, tracks
// the current-span stack via context, and forwards lifecycle events
// to the spanapi.Layer it was constructed with.
type Runtime struct {
	layer spanapi.Layer
	ext   *extMap

	nextSpanID     atomic.Uint64
	nextCallsiteID atomic.Uint64

	callsiteCache sync.Map // uintptr (pc) -> spanapi.Callsite
}

// New returns a Runtime that drives layer.
func New(layer spanapi.Layer) *Runtime {
	return &Runtime{layer: layer, ext: &extMap{}}
}

// Extensions implements spanapi.Source.
func (r *Runtime) Extensions() spanapi.Extensions { return r.ext }

// RegisterCallsite assigns a stable CallsiteID to one static span
// definition. Call it once per call site (e.g. into a package-level
// var) rather than per span instance.
func (r *Runtime) RegisterCallsite(name, file string, line int) spanapi.Callsite {
	id := r.nextCallsiteID.Add(1)
	return spanapi.Callsite{ID: spanapi.CallsiteID(id), Name: name, File: file, Line: line}
}

// callsiteForPC memoizes RegisterCallsite by program counter, for
// StartAuto's runtime.Caller-derived callsites.
func (r *Runtime) callsiteForPC(pc uintptr, name, file string, line int) spanapi.Callsite {
	if v, ok := r.callsiteCache.Load(pc); ok {
		return v.(spanapi.Callsite)
	}
	cs := r.RegisterCallsite(name, file, line)
	actual, _ := r.callsiteCache.LoadOrStore(pc, cs)
	return actual.(spanapi.Callsite)
}

// Span is a handle to one live span instance. The zero Span is a
// filtered-out no-op span (below the configured level threshold):
// every method on it is a no-op, so callers do not need to branch on
// whether a span was actually recorded.
type Span struct {
	rt       *Runtime
	id       spanapi.SpanID
	recorded bool
}

// Start creates a new span as a child of whatever span is current on
// ctx, resolving its parent from the context-carried stack. If level
// is below the installed Layer's MinLevel, the span is dropped
// entirely: no SpanGroup or timing record is created for it.
//
// The returned context must be used for the span's body (descendant
// Start calls and this span's own Close); see spanapi.Layer's doc
// comment and the root package's Go helper for why.
func (r *Runtime) Start(ctx context.Context, cs spanapi.Callsite, attrs spanapi.Attributes, level spanapi.Level) (context.Context, Span) {
	if level < r.layer.MinLevel() {
		return ctx, Span{}
	}

	parentFrame := currentFrame(ctx)
	var parentID spanapi.SpanID
	hasParent := parentFrame != nil
	if hasParent {
		parentID = parentFrame.id
	}

	id := spanapi.SpanID(r.nextSpanID.Add(1))
	ctx = withFrame(ctx, &spanFrame{id: id, parent: parentFrame})
	ctx = r.layer.OnNewSpan(ctx, id, parentID, hasParent, cs, attrs)
	return ctx, Span{rt: r, id: id, recorded: true}
}

// StartAuto is a convenience over Start that derives a Callsite from
// the caller's program counter the first time it is reached, caching
// it for subsequent calls from the same call site.
func (r *Runtime) StartAuto(ctx context.Context, name string, attrs spanapi.Attributes, level spanapi.Level) (context.Context, Span) {
	pc, file, line, _ := runtime.Caller(1)
	cs := r.callsiteForPC(pc, name, file, line)
	return r.Start(ctx, cs, attrs, level)
}

// Enter marks the span as actively running.
func (s Span) Enter() {
	if !s.recorded {
		return
	}
	s.rt.layer.OnEnter(s.id)
}

// Exit marks the span as suspended.
func (s Span) Exit() {
	if !s.recorded {
		return
	}
	s.rt.layer.OnExit(s.id)
}

// Close ends the span. ctx must be the context Start returned for
// this span (or a descendant reached without crossing a goroutine
// boundary outside the root package's Go helper).
func (s Span) Close(ctx context.Context) {
	if !s.recorded {
		return
	}
	s.rt.layer.OnClose(ctx, s.id)
}
