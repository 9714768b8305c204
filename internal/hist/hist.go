// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package hist wraps a bounded, saturating, mergeable high-dynamic-
// range histogram ("construction with (low, high, sigfig) bounds,
// record(value) that saturates rather than fails, in-place add,
// percentile queries") into the total/active histogram pair each
// SpanGroup owns.
package hist

import (
	"github.com/HdrHistogram/hdrhistogram-go"
)

// Config mirrors the histogram bounds: microsecond values, minimum
// 1us (fixed), configurable maximum and significant digits.
type Config struct {
	HighMicros int64
	SigFigs    int
}

const lowMicros = 1

func (c Config) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowMicros, c.HighMicros, c.SigFigs)
}

// Pair holds the two histograms every SpanGroup accumulates: total
// (close-created) and active (sum of exit-enter intervals).
type Pair struct {
	cfg    Config
	Total  *hdrhistogram.Histogram
	Active *hdrhistogram.Histogram
}

// NewPair returns an empty total/active histogram pair.
func NewPair(cfg Config) *Pair {
	return &Pair{cfg: cfg, Total: cfg.newHistogram(), Active: cfg.newHistogram()}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Record commits one span's (total, active) durations, in
// microseconds. Values outside the configured bounds saturate at the
// bound rather than erroring.
func (p *Pair) Record(totalMicros, activeMicros int64) {
	p.Total.RecordValue(clamp(totalMicros, lowMicros, p.cfg.HighMicros)) //nolint:errcheck // clamped, cannot fail
	p.Active.RecordValue(clamp(activeMicros, lowMicros, p.cfg.HighMicros)) //nolint:errcheck // clamped, cannot fail
}

// Merge adds other's counts into p in place; the underlying histogram
// library's add is associative and commutative.
func (p *Pair) Merge(other *Pair) {
	p.Total.Merge(other.Total)
	p.Active.Merge(other.Active)
}

// Clone returns a deep, independent copy of p, used by the collector
// when taking a point-in-time snapshot of a live accumulator.
func (p *Pair) Clone() *Pair {
	c := NewPair(p.cfg)
	c.Total.Merge(p.Total)
	c.Active.Merge(p.Active)
	return c
}

// Stats is the summary statistics returned for one of a group's two
// histograms.
type Stats struct {
	Count       int64
	Min         int64
	Max         int64
	Mean        float64
	StdDev      float64
	Percentiles map[float64]int64
}

// DefaultPercentiles is the library's documented default percentile set.
var DefaultPercentiles = []float64{50, 90, 95, 99}

func statsOf(h *hdrhistogram.Histogram, percentiles []float64) Stats {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}
	s := Stats{
		Count:       h.TotalCount(),
		Min:         h.Min(),
		Max:         h.Max(),
		Mean:        h.Mean(),
		StdDev:      h.StdDev(),
		Percentiles: make(map[float64]int64, len(percentiles)),
	}
	for _, q := range percentiles {
		s.Percentiles[q] = h.ValueAtQuantile(q)
	}
	return s
}

// TotalStats returns summary statistics for the total-time histogram.
func (p *Pair) TotalStats(percentiles ...float64) Stats { return statsOf(p.Total, percentiles) }

// ActiveStats returns summary statistics for the active-time histogram.
func (p *Pair) ActiveStats(percentiles ...float64) Stats { return statsOf(p.Active, percentiles) }
