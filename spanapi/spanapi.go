// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package spanapi defines the contract between this module's latency
// engine and an upstream tracing infrastructure, treated as an
// external collaborator the engine observes rather than drives. No Go
// library in the wild exposes span lifecycle as granular Enter/Exit
// events the way the engine needs (OpenTelemetry's SpanProcessor, for
// instance, only has OnStart/OnEnd, which cannot express suspend time)
// so this package is this module's own integration surface, the same
// way database/sql/driver is owned by the database/sql ecosystem
// rather than by any one database. The reference implementation of
// this contract lives in package spanrt.
package spanapi

import "context"

// SpanID identifies one runtime instance of a span. Assigned by the
// Source, never by the engine.
type SpanID uint64

// CallsiteID identifies the static source location of a span
// definition. Two spans share a CallsiteID iff they were created by
// the same instrumentation call site.
type CallsiteID uint64

// Callsite carries a CallsiteID plus the human-readable metadata
// needed to display it.
type Callsite struct {
	ID   CallsiteID
	Name string
	File string
	Line int
}

// KV is a single ordered key/value pair, used both for the structured
// attributes a span is created with and for the Props derived from
// them.
type KV struct {
	Key   string
	Value string
}

// Attributes is the ordered, read-only view of a span's structured
// attributes at creation time, passed to a Grouper.
type Attributes []KV

// Get returns the value of the first attribute with the given key.
func (a Attributes) Get(key string) (string, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Grouper extracts the Props used in SpanGroup identity from a span's
// attributes. The zero value (nil) always yields empty Props.
type Grouper func(Attributes) []KV

// Level mirrors the severity levels of the upstream tracing
// infrastructure; spans below the engine's configured minimum are
// never handed to the Layer.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Extensions is the per-span storage slot the engine requires: a slot
// retrievable from a SpanID on every subsequent callback for that
// span, without an additional lookup structure of the engine's own.
// The engine stores exactly one value per span, its timing record.
type Extensions interface {
	Load(id SpanID) (any, bool)
	Store(id SpanID, v any)
	Delete(id SpanID)
}

// Source is implemented by the upstream tracing infrastructure. It
// supplies the per-span extension storage the engine's Layer relies
// on; spanrt.Runtime is this module's reference Source.
type Source interface {
	Extensions() Extensions
}

// Layer is implemented by the engine's subscriber and driven by a
// Source as span lifecycle events occur. OnNewSpan and OnClose receive
// a context.Context because span-group resolution needs the
// current-span stack, and because a goroutine-scoped accumulator
// handle (see the root package's Go helper) is threaded alongside it:
// Go has no OS-thread-local, so the context is this module's carrier
// for both.
type Layer interface {
	// MinLevel reports the minimum span level this Layer records;
	// Source implementations use it to skip span bookkeeping entirely
	// for filtered-out spans.
	MinLevel() Level
	// OnNewSpan is called once, synchronously, when a span is created.
	// parent/hasParent identify the span's runtime parent, if any. The
	// returned context must be used for everything executed as part of
	// this span (descendant spans, and the Close call for this span).
	OnNewSpan(ctx context.Context, id SpanID, parent SpanID, hasParent bool, cs Callsite, attrs Attributes) context.Context
	// OnEnter and OnExit require no context: they touch only the
	// span's own extension-slot record, never a shared structure, so
	// they take no shared lock (only that record's own, uncontended
	// one) and need no ambient state.
	OnEnter(id SpanID)
	OnExit(id SpanID)
	// OnClose is called once, when the span ends. ctx must be the
	// context produced for this span by OnNewSpan (or a descendant of
	// it reached without crossing into a fresh goroutine spawned
	// outside the engine's Go helper).
	OnClose(ctx context.Context, id SpanID)
}
