// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

package latencytrace

import (
	"time"

	"github.com/pvillela/latencytrace/internal/hist"
	"github.com/pvillela/latencytrace/spanapi"
)

// defaultHistHighMicros and defaultHistSigFigs are the documented
// histogram defaults: a one-minute ceiling at two significant figures.
const (
	defaultHistHighMicros int64 = 60_000_000
	defaultHistSigFigs    int   = 2
)

// Config controls one measurement. The zero Config is not ready to
// use; build one with NewConfig.
type Config struct {
	// SpanGrouper extracts the Props used for SpanGroup identity from
	// a span's attributes. Nil yields empty Props for every span, the
	// documented default.
	SpanGrouper spanapi.Grouper

	// HistHigh is the saturating ceiling for both the total and active
	// histograms of every SpanGroup.
	HistHigh time.Duration

	// HistSigFigs is the number of significant decimal digits the
	// underlying histograms preserve.
	HistSigFigs int

	// MinLevel is the minimum span level the engine will record.
	// Spans below it are filtered before a SpanGroup or timing record
	// is ever created for them.
	MinLevel spanapi.Level

	// Percentiles is the default set SummaryStats reports when called
	// with no arguments.
	Percentiles []float64
}

// DefaultConfig returns the library's documented defaults.
func DefaultConfig() Config {
	return Config{
		HistHigh:    time.Duration(defaultHistHighMicros) * time.Microsecond,
		HistSigFigs: defaultHistSigFigs,
		MinLevel:    spanapi.LevelTrace,
		Percentiles: hist.DefaultPercentiles,
	}
}

// Option customizes a Config built by NewConfig.
type Option func(*Config)

// WithSpanGrouper overrides the default (empty-Props) grouper.
func WithSpanGrouper(g spanapi.Grouper) Option {
	return func(c *Config) { c.SpanGrouper = g }
}

// WithHistHigh overrides the saturating histogram ceiling.
func WithHistHigh(d time.Duration) Option {
	return func(c *Config) { c.HistHigh = d }
}

// WithHistSigFigs overrides the histogram's significant-figure count.
func WithHistSigFigs(n int) Option {
	return func(c *Config) { c.HistSigFigs = n }
}

// WithMinLevel overrides the minimum recorded span level.
func WithMinLevel(l spanapi.Level) Option {
	return func(c *Config) { c.MinLevel = l }
}

// WithPercentiles overrides the default percentile set SummaryStats
// reports.
func WithPercentiles(p ...float64) Option {
	return func(c *Config) { c.Percentiles = p }
}

// NewConfig builds a Config from DefaultConfig plus any Options.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c Config) histConfig() hist.Config {
	return hist.Config{
		HighMicros: c.HistHigh.Microseconds(),
		SigFigs:    c.HistSigFigs,
	}
}
