// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import (
	"github.com/pvillela/latencytrace/group"
	"github.com/pvillela/latencytrace/internal/accum"
	"github.com/pvillela/latencytrace/internal/hist"
)

// Timings is the immutable result of a measurement: a mapping from
// every SpanGroup a workload reached to its merged total and active
// histograms.
type Timings struct {
	entries     map[group.Key]*accum.Entry
	percentiles []float64
}

func newTimings(snap map[group.Key]*accum.Entry, percentiles []float64) Timings {
	return Timings{entries: snap, percentiles: percentiles}
}

// Groups returns every SpanGroup present in this Timings, in no
// particular order.
func (t Timings) Groups() []*group.SpanGroup {
	out := make([]*group.SpanGroup, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Group)
	}
	return out
}

// Histograms returns g's merged total/active histogram pair, if g was
// reached during the measurement.
func (t Timings) Histograms(g *group.SpanGroup) (*hist.Pair, bool) {
	e, ok := t.entries[g.Key()]
	if !ok {
		return nil, false
	}
	return e.Pair, true
}

// Parent returns the SpanGroup that was g's runtime parent, if g is
// not a root.
func (t Timings) Parent(g *group.SpanGroup) (*group.SpanGroup, bool) {
	return g.Parent()
}

// GroupStats pairs a SpanGroup with the summary statistics of its two
// histograms, one row per group.
type GroupStats struct {
	Group  *group.SpanGroup
	Total  hist.Stats
	Active hist.Stats
}

// SummaryStats returns one GroupStats per SpanGroup in this Timings,
// computed at the given percentiles (or the Config's Percentiles, or
// hist.DefaultPercentiles, if none are given).
func (t Timings) SummaryStats(percentiles ...float64) []GroupStats {
	if len(percentiles) == 0 {
		percentiles = t.percentiles
	}
	out := make([]GroupStats, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, GroupStats{
			Group:  e.Group,
			Total:  e.Pair.TotalStats(percentiles...),
			Active: e.Pair.ActiveStats(percentiles...),
		})
	}
	return out
}

// Aggregate folds this Timings' groups by the key f returns for each,
// merging the histograms of every group sharing a key. f(g) =
// string(g.Key()) recovers the original, unaggregated mapping;
// merging is associative and commutative since it is backed by the
// underlying histogram library's in-place add.
func (t Timings) Aggregate(f func(*group.SpanGroup) string) map[string]*hist.Pair {
	out := make(map[string]*hist.Pair, len(t.entries))
	for _, e := range t.entries {
		key := f(e.Group)
		if existing, ok := out[key]; ok {
			existing.Merge(e.Pair)
		} else {
			out[key] = e.Pair.Clone()
		}
	}
	return out
}
