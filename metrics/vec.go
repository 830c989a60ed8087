// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// durationBuckets are the histogram bucket upper bounds in seconds for
// duration series, per spec.md §4.7.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// sizeBuckets are the histogram bucket upper bounds in bytes for
// snapshot-size series: powers of two from 4 KiB to 1 GiB, per
// spec.md §4.7.
var sizeBuckets = func() []float64 {
	b := make([]float64, 0, 19)
	for shift := 12; shift <= 30; shift++ {
		b = append(b, float64(int64(1)<<shift))
	}
	return b
}()

// labelKey joins label values into a stable map key. Order matches
// the owning vec's labelNames, so equal label sets always produce the
// same key.
func labelKey(values []string) string {
	return strings.Join(values, "\x1f")
}

func formatLabels(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = fmt.Sprintf("%s=%q", name, values[i])
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// counterVec is a monotonic counter, optionally partitioned by a
// fixed set of label names.
type counterVec struct {
	name       string
	help       string
	labelNames []string

	mu     sync.Mutex
	values map[string][]string // label key -> label values, for rendering
	counts map[string]*atomic.Uint64
}

func newCounterVec(name, help string, labelNames ...string) *counterVec {
	return &counterVec{
		name:       name,
		help:       help,
		labelNames: labelNames,
		values:     make(map[string][]string),
		counts:     make(map[string]*atomic.Uint64),
	}
}

func (c *counterVec) Inc(labelValues ...string) {
	key := labelKey(labelValues)
	c.mu.Lock()
	counter, ok := c.counts[key]
	if !ok {
		counter = &atomic.Uint64{}
		c.counts[key] = counter
		c.values[key] = append([]string(nil), labelValues...)
	}
	c.mu.Unlock()
	counter.Add(1)
}

func (c *counterVec) render() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, fmt.Sprintf("# HELP %s %s", c.name, c.help))
	lines = append(lines, fmt.Sprintf("# TYPE %s counter", c.name))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s%s %d", c.name, formatLabels(c.labelNames, c.values[k]), c.counts[k].Load()))
	}
	c.mu.Unlock()
	return lines
}

// gaugeVec is a read/write value, optionally partitioned by labels.
type gaugeVec struct {
	name       string
	help       string
	labelNames []string

	mu     sync.Mutex
	values map[string][]string
	gauges map[string]*atomic.Int64
}

func newGaugeVec(name, help string, labelNames ...string) *gaugeVec {
	return &gaugeVec{
		name:       name,
		help:       help,
		labelNames: labelNames,
		values:     make(map[string][]string),
		gauges:     make(map[string]*atomic.Int64),
	}
}

func (g *gaugeVec) Add(delta int64, labelValues ...string) {
	key := labelKey(labelValues)
	g.mu.Lock()
	gauge, ok := g.gauges[key]
	if !ok {
		gauge = &atomic.Int64{}
		g.gauges[key] = gauge
		g.values[key] = append([]string(nil), labelValues...)
	}
	g.mu.Unlock()
	gauge.Add(delta)
}

func (g *gaugeVec) render() []string {
	g.mu.Lock()
	keys := make([]string, 0, len(g.gauges))
	for k := range g.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, fmt.Sprintf("# HELP %s %s", g.name, g.help))
	lines = append(lines, fmt.Sprintf("# TYPE %s gauge", g.name))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s%s %d", g.name, formatLabels(g.labelNames, g.values[k]), g.gauges[k].Load()))
	}
	g.mu.Unlock()
	return lines
}

// histogramState accumulates observations into fixed buckets, mirroring
// the accumulator shape Bureau's proxy telemetry used for request
// duration histograms (bucketCounts, sum, count, cumulative buckets).
type histogramState struct {
	bucketCounts []uint64
	sum          float64
	count        uint64
}

// histogramVec is a fixed-bucket histogram, optionally partitioned by
// labels. Bucket counts are cumulative, matching the text-exposition
// convention of "count of observations <= le".
type histogramVec struct {
	name       string
	help       string
	labelNames []string
	boundaries []float64

	mu     sync.Mutex
	values map[string][]string
	states map[string]*histogramState
}

func newHistogramVec(name, help string, boundaries []float64, labelNames ...string) *histogramVec {
	return &histogramVec{
		name:       name,
		help:       help,
		labelNames: labelNames,
		boundaries: boundaries,
		values:     make(map[string][]string),
		states:     make(map[string]*histogramState),
	}
}

func (h *histogramVec) Observe(value float64, labelValues ...string) {
	key := labelKey(labelValues)
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.states[key]
	if !ok {
		state = &histogramState{bucketCounts: make([]uint64, len(h.boundaries)+1)}
		h.states[key] = state
		h.values[key] = append([]string(nil), labelValues...)
	}
	state.sum += value
	state.count++
	for i, boundary := range h.boundaries {
		if value <= boundary {
			state.bucketCounts[i]++
		}
	}
	// The +Inf bucket counts every observation.
	state.bucketCounts[len(h.boundaries)]++
}

func (h *histogramVec) render() []string {
	h.mu.Lock()
	keys := make([]string, 0, len(h.states))
	for k := range h.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys)*(len(h.boundaries)+3)+2)
	lines = append(lines, fmt.Sprintf("# HELP %s %s", h.name, h.help))
	lines = append(lines, fmt.Sprintf("# TYPE %s histogram", h.name))
	for _, k := range keys {
		state := h.states[k]
		baseNames := append(append([]string(nil), h.labelNames...), "le")
		baseValues := h.values[k]
		for i, boundary := range h.boundaries {
			le := strconv.FormatFloat(boundary, 'g', -1, 64)
			labels := formatLabels(baseNames, append(append([]string(nil), baseValues...), le))
			lines = append(lines, fmt.Sprintf("%s_bucket%s %d", h.name, labels, state.bucketCounts[i]))
		}
		infLabels := formatLabels(baseNames, append(append([]string(nil), baseValues...), "+Inf"))
		lines = append(lines, fmt.Sprintf("%s_bucket%s %d", h.name, infLabels, state.bucketCounts[len(h.boundaries)]))
		lines = append(lines, fmt.Sprintf("%s_sum%s %s", h.name, formatLabels(h.labelNames, baseValues), strconv.FormatFloat(state.sum, 'g', -1, 64)))
		lines = append(lines, fmt.Sprintf("%s_count%s %d", h.name, formatLabels(h.labelNames, baseValues), state.count))
	}
	h.mu.Unlock()
	return lines
}
