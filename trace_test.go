// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pvillela/latencytrace/group"
	"github.com/pvillela/latencytrace/spanapi"
	"github.com/pvillela/latencytrace/spanrt"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestMeasureLatenciesEmptyWorkloadYieldsEmptyTimings(t *testing.T) {
	lt := New()
	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {})
	require.NoError(t, err)
	assert.Len(t, timings.Groups(), 0)
}

func TestMeasureLatenciesSingleLoopAccumulatesOneGroup(t *testing.T) {
	lt := New()
	const iterations = 10

	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		cs := rt.RegisterCallsite("loopBody", "trace_test.go", 0)
		for i := 0; i < iterations; i++ {
			spanCtx, span := rt.Start(ctx, cs, nil, spanapi.LevelTrace)
			span.Close(spanCtx)
		}
	})
	require.NoError(t, err)

	groups := timings.Groups()
	require.Len(t, groups, 1)
	h, ok := timings.Histograms(groups[0])
	require.True(t, ok)
	assert.Equal(t, int64(iterations), h.Total.TotalCount())
}

func TestMeasureLatenciesNestedSpansProduceLinkedGroups(t *testing.T) {
	lt := New()
	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		outer := rt.RegisterCallsite("outer", "trace_test.go", 0)
		inner := rt.RegisterCallsite("inner", "trace_test.go", 0)

		octx, ospan := rt.Start(ctx, outer, nil, spanapi.LevelTrace)
		ictx, ispan := rt.Start(octx, inner, nil, spanapi.LevelTrace)
		ispan.Close(ictx)
		ospan.Close(octx)
	})
	require.NoError(t, err)

	groups := timings.Groups()
	require.Len(t, groups, 2)

	var root, child *group.SpanGroup
	for _, g := range groups {
		if _, hasParent := timings.Parent(g); hasParent {
			child = g
		} else {
			root = g
		}
	}
	require.NotNil(t, root)
	require.NotNil(t, child)
	parent, ok := timings.Parent(child)
	require.True(t, ok)
	assert.Same(t, root, parent)
}

func TestMeasureLatenciesDistinctPropsYieldDistinctGroups(t *testing.T) {
	lt := New(WithSpanGrouper(func(attrs spanapi.Attributes) []spanapi.KV {
		v, _ := attrs.Get("user")
		return []spanapi.KV{{Key: "user", Value: v}}
	}))

	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		cs := rt.RegisterCallsite("handle", "trace_test.go", 0)
		for _, user := range []string{"alice", "bob", "alice"} {
			spanCtx, span := rt.Start(ctx, cs, spanapi.Attributes{{Key: "user", Value: user}}, spanapi.LevelTrace)
			span.Close(spanCtx)
		}
	})
	require.NoError(t, err)
	assert.Len(t, timings.Groups(), 2)
}

func TestMeasureLatenciesAsyncJoinsGroupBeforeReturning(t *testing.T) {
	lt := New()
	timings, err := lt.MeasureLatenciesAsync(func(ctx context.Context, rt *spanrt.Runtime, g *Group) {
		cs := rt.RegisterCallsite("task", "trace_test.go", 0)
		for i := 0; i < 5; i++ {
			g.Go(func(taskCtx context.Context) error {
				spanCtx, span := rt.Start(taskCtx, cs, nil, spanapi.LevelTrace)
				time.Sleep(time.Millisecond)
				span.Close(spanCtx)
				return nil
			})
		}
	})
	require.NoError(t, err)

	groups := timings.Groups()
	require.Len(t, groups, 1)
	h, _ := timings.Histograms(groups[0])
	assert.Equal(t, int64(5), h.Total.TotalCount())
}

func TestMeasureLatenciesProbedObservesPartialResultsThenFinalResult(t *testing.T) {
	lt := New()
	started := make(chan struct{})
	proceed := make(chan struct{})

	handle, err := lt.MeasureLatenciesProbed(func(ctx context.Context, rt *spanrt.Runtime) {
		cs := rt.RegisterCallsite("work", "trace_test.go", 0)
		spanCtx, span := rt.Start(ctx, cs, nil, spanapi.LevelTrace)
		close(started)
		<-proceed
		span.Close(spanCtx)
	})
	require.NoError(t, err)

	<-started
	mid := handle.Probe()
	assert.Len(t, mid.Groups(), 0) // span not closed yet: nothing committed

	close(proceed)
	final := handle.Join()
	require.Len(t, final.Groups(), 1)
	h, _ := final.Histograms(final.Groups()[0])
	assert.Equal(t, int64(1), h.Total.TotalCount())
}

func TestMeasureLatenciesSecondConcurrentCallFailsWithAlreadyInstalled(t *testing.T) {
	lt := New()
	release := make(chan struct{})
	resultCh := make(chan error, 1)

	go func() {
		_, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
			<-release
		})
		resultCh <- err
	}()

	// Give the first call a chance to install its subscriber.
	time.Sleep(10 * time.Millisecond)

	_, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	close(release)
	assert.NoError(t, <-resultCh)
}

func TestMeasureLatenciesHistogramSaturatesAboveConfiguredCeiling(t *testing.T) {
	lt := New(WithHistHigh(time.Microsecond))
	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		cs := rt.RegisterCallsite("slow", "trace_test.go", 0)
		spanCtx, span := rt.Start(ctx, cs, nil, spanapi.LevelTrace)
		time.Sleep(5 * time.Millisecond)
		span.Close(spanCtx)
	})
	require.NoError(t, err)

	groups := timings.Groups()
	require.Len(t, groups, 1)
	h, _ := timings.Histograms(groups[0])
	assert.Equal(t, int64(1), h.Total.Max())
}

func TestMeasureLatenciesManyWorkerGoroutinesEachGetOwnAccumulator(t *testing.T) {
	lt := New()
	const workers = 150

	timings, err := lt.MeasureLatenciesAsync(func(ctx context.Context, rt *spanrt.Runtime, g *Group) {
		cs := rt.RegisterCallsite("worker", "trace_test.go", 0)
		for i := 0; i < workers; i++ {
			g.Go(func(workerCtx context.Context) error {
				spanCtx, span := rt.Start(workerCtx, cs, nil, spanapi.LevelTrace)
				span.Close(spanCtx)
				return nil
			})
		}
	})
	require.NoError(t, err)

	groups := timings.Groups()
	require.Len(t, groups, 1)
	h, _ := timings.Histograms(groups[0])
	assert.Equal(t, int64(workers), h.Total.TotalCount())
}
