// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import (
	"context"
	"sync"
	"time"

	"github.com/pvillela/latencytrace/group"
	"github.com/pvillela/latencytrace/internal/accum"
	"github.com/pvillela/latencytrace/internal/hist"
	"github.com/pvillela/latencytrace/internal/log"
	"github.com/pvillela/latencytrace/internal/record"
	"github.com/pvillela/latencytrace/spanapi"
)

// accumKey is the context key under which the engine carries the
// goroutine-scoped accumulator handle. It is distinct from spanrt's
// own current-span-stack key; the two are propagated side by side on
// the same context.
type accumKey struct{}

// accumHolder is a mutable, shared cell: every context derived (by
// plain context.WithValue, i.e. staying on the same goroutine-scoped
// execution flow) from the one that first carried a *accumHolder
// observes the same holder, so the accumulator it lazily creates on
// first commit is visible to every span closed later in
// that same flow, without the engine needing to rewrap the context on
// every span.
type accumHolder struct {
	mu  sync.Mutex
	acc *accum.Accumulator
}

func (h *accumHolder) getOrCreate(cfg hist.Config, c *accum.Collector) *accum.Accumulator {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acc == nil {
		h.acc = accum.New(cfg, c)
	}
	return h.acc
}

func newHolderContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, accumKey{}, &accumHolder{})
}

// subscriber implements spanapi.Layer.
type subscriber struct {
	source    spanapi.Source
	interner  *group.Interner
	collector *accum.Collector

	grouper  spanapi.Grouper
	histCfg  hist.Config
	minLevel spanapi.Level
}

func newSubscriber(cfg Config, collector *accum.Collector) *subscriber {
	return &subscriber{
		interner:  group.NewInterner(),
		collector: collector,
		grouper:   cfg.SpanGrouper,
		histCfg:   cfg.histConfig(),
		minLevel:  cfg.MinLevel,
	}
}

// bindSource lets the Runtime and the Layer it drives reference each
// other without a constructor cycle: spanrt.New needs a Layer, and the
// Layer needs the Runtime's Extensions().
func (s *subscriber) bindSource(src spanapi.Source) { s.source = src }

func (s *subscriber) MinLevel() spanapi.Level { return s.minLevel }

func recoverInto(callback string) {
	if r := recover(); r != nil {
		// A panic inside a callback must never propagate out of it; the
		// span's contribution to its group is lost, but the process and
		// every other span remain unaffected.
		log.Warn("recovered from panic in %s: %v", callback, r)
	}
}

func (s *subscriber) OnNewSpan(ctx context.Context, id spanapi.SpanID, parent spanapi.SpanID, hasParent bool, cs spanapi.Callsite, attrs spanapi.Attributes) (outCtx context.Context) {
	outCtx = ctx
	defer recoverInto("OnNewSpan")

	var parentGroup *group.SpanGroup
	if hasParent {
		if v, ok := s.source.Extensions().Load(parent); ok {
			parentGroup = v.(*record.Record).Group()
		} else {
			// A layer upstream of this one may have dropped the parent
			// span (e.g. it was below threshold). Treat this span as a root.
			log.Debug("no record for parent span %d of span %d; treating as root", parent, id)
		}
	}

	var props group.Props
	if s.grouper != nil {
		props = group.Props(s.grouper(attrs))
	}

	g := s.interner.Resolve(parentGroup, cs.ID, props)
	rec := record.New(g, time.Now())
	s.source.Extensions().Store(id, rec)

	return outCtx
}

func (s *subscriber) OnEnter(id spanapi.SpanID) {
	defer recoverInto("OnEnter")
	if v, ok := s.source.Extensions().Load(id); ok {
		v.(*record.Record).OnEnter(time.Now())
	}
}

func (s *subscriber) OnExit(id spanapi.SpanID) {
	defer recoverInto("OnExit")
	if v, ok := s.source.Extensions().Load(id); ok {
		v.(*record.Record).OnExit(time.Now())
	}
}

func (s *subscriber) OnClose(ctx context.Context, id spanapi.SpanID) {
	defer recoverInto("OnClose")

	ext := s.source.Extensions()
	v, ok := ext.Load(id)
	if !ok {
		return
	}
	ext.Delete(id)
	rec := v.(*record.Record)
	total, active := rec.Close(time.Now())

	var acc *accum.Accumulator
	if h, ok := ctx.Value(accumKey{}).(*accumHolder); ok && h != nil {
		acc = h.getOrCreate(s.histCfg, s.collector)
	} else {
		// Defensive fallback: Close was called with a context that
		// never flowed through MeasureLatencies/MeasureLatenciesProbed
		// or Group.Go. The commit is still accounted for (registered
		// with the collector), just without the reuse a properly
		// threaded context would give.
		log.Debug("no accumulator context for span %d; allocating ad hoc", id)
		acc = accum.New(s.histCfg, s.collector)
	}
	acc.Commit(rec.Group(), total, active)
}
