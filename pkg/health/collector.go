// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"strconv"

	"github.com/mbeema/blockprof/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
)

// ProfileSource lists the profiles served by the health server.
type ProfileSource interface {
	Keys() []int
	Profile(key int) (*profile.Profile, bool)
}

var _ prometheus.Collector = (*ProfileCollector)(nil)

// ProfileCollector exposes per-profile tree size and tolerance counters.
type ProfileCollector struct {
	source ProfileSource

	nodes            *prometheus.Desc
	generation       *prometheus.Desc
	batches          *prometheus.Desc
	events           *prometheus.Desc
	rejected         *prometheus.Desc
	unmatchedCloses  *prometheus.Desc
	mismatchedCloses *prometheus.Desc
	clamps           *prometheus.Desc
	clampedNodes     *prometheus.Desc
	rootInclusive    *prometheus.Desc
}

// NewProfileCollector creates a collector over source.
func NewProfileCollector(source ProfileSource) *ProfileCollector {
	labels := []string{"profile_key", "profile"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "profile", name), help, labels, nil)
	}
	return &ProfileCollector{
		source:           source,
		nodes:            desc("nodes", "Number of call tree nodes, root included."),
		generation:       desc("generation", "Number of batches that added nodes."),
		batches:          desc("batches_total", "Batches applied."),
		events:           desc("events_total", "Events applied."),
		rejected:         desc("rejected_batches_total", "Batches rejected before initialization."),
		unmatchedCloses:  desc("unmatched_closes_total", "Close events with nothing open."),
		mismatchedCloses: desc("mismatched_closes_total", "Close events whose block differed from the innermost open block."),
		clamps:           desc("exclusive_clamps_total", "Exclusive durations clamped to zero."),
		clampedNodes:     desc("clamped_nodes", "Nodes clamped in the last aggregation pass."),
		rootInclusive:    desc("inclusive_seconds_total", "Cumulative inclusive time across the whole tree."),
	}
}

func (c *ProfileCollector) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

func (c *ProfileCollector) Collect(ch chan<- prometheus.Metric) {
	for _, key := range c.source.Keys() {
		p, ok := c.source.Profile(key)
		if !ok {
			continue
		}
		labels := []string{strconv.Itoa(key), p.Name()}
		d := p.Diagnostics()
		root := p.Root()

		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
		}
		counter := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
		}

		gauge(c.nodes, float64(p.NodeCount()))
		gauge(c.generation, float64(p.Generation()))
		counter(c.batches, float64(d.Batches))
		counter(c.events, float64(d.Events))
		counter(c.rejected, float64(d.RejectedBatches))
		counter(c.unmatchedCloses, float64(d.UnmatchedCloses))
		counter(c.mismatchedCloses, float64(d.MismatchedCloses))
		counter(c.clamps, float64(d.Clamps))
		gauge(c.clampedNodes, float64(d.ClampedNodes))
		counter(c.rootInclusive, float64(root.CumulativeInclusiveNs)/1e9)
	}
}
