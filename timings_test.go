// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvillela/latencytrace/group"
	"github.com/pvillela/latencytrace/spanapi"
	"github.com/pvillela/latencytrace/spanrt"
)

func measureTwoCallsites(t *testing.T) Timings {
	t.Helper()
	lt := New()
	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		a := rt.RegisterCallsite("a", "timings_test.go", 0)
		b := rt.RegisterCallsite("b", "timings_test.go", 0)
		for i := 0; i < 3; i++ {
			actx, aspan := rt.Start(ctx, a, nil, spanapi.LevelTrace)
			aspan.Close(actx)
		}
		for i := 0; i < 7; i++ {
			bctx, bspan := rt.Start(ctx, b, nil, spanapi.LevelTrace)
			bspan.Close(bctx)
		}
	})
	require.NoError(t, err)
	return timings
}

func TestAggregateByConstantKeyMergesEverything(t *testing.T) {
	timings := measureTwoCallsites(t)
	agg := timings.Aggregate(func(*group.SpanGroup) string { return "all" })
	require.Len(t, agg, 1)
	assert.Equal(t, int64(10), agg["all"].Total.TotalCount())
}

func TestAggregateByGroupKeyRecoversOriginalMapping(t *testing.T) {
	timings := measureTwoCallsites(t)
	agg := timings.Aggregate(func(g *group.SpanGroup) string { return string(g.Key()) })
	assert.Len(t, agg, len(timings.Groups()))

	for _, g := range timings.Groups() {
		original, ok := timings.Histograms(g)
		require.True(t, ok)
		merged := agg[string(g.Key())]
		require.NotNil(t, merged)
		assert.Equal(t, original.Total.TotalCount(), merged.Total.TotalCount())
	}
}

func TestSummaryStatsCountsMatchHistogramCounts(t *testing.T) {
	timings := measureTwoCallsites(t)
	stats := timings.SummaryStats()
	require.Len(t, stats, 2)

	total := int64(0)
	for _, s := range stats {
		total += s.Total.Count
	}
	assert.Equal(t, int64(10), total)
}

func TestSummaryStatsDefaultsToConfiguredPercentiles(t *testing.T) {
	lt := New(WithPercentiles(50))
	timings, err := lt.MeasureLatencies(func(ctx context.Context, rt *spanrt.Runtime) {
		cs := rt.RegisterCallsite("a", "timings_test.go", 0)
		spanCtx, span := rt.Start(ctx, cs, nil, spanapi.LevelTrace)
		span.Close(spanCtx)
	})
	require.NoError(t, err)

	stats := timings.SummaryStats()
	require.Len(t, stats, 1)
	assert.Len(t, stats[0].Total.Percentiles, 1)
	_, ok := stats[0].Total.Percentiles[50]
	assert.True(t, ok)
}
