// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"strconv"
	"time"

	"github.com/mbeema/blockprof/pkg/profile"
)

// Metric represents a metric data point for export.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // start of the cumulative window, counters only
	Labels      map[string]string
	ServiceName string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
)

// Exporter is the interface for metric sinks.
type Exporter interface {
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

const (
	metricCalls     = "blockprof.node.calls"
	metricInclusive = "blockprof.node.inclusive"
	metricExclusive = "blockprof.node.exclusive"
	metricMax       = "blockprof.node.max"
	metricMin       = "blockprof.node.min"
	metricLast      = "blockprof.node.last"
)

// nodeScope carries the thread and execution context a node lives under.
type nodeScope struct {
	thread  string
	context string
}

// BuildMetrics converts every measured node of p that has completed at least
// one call into a set of metric points. start anchors the cumulative sums.
func BuildMetrics(p *profile.Profile, serviceName string, start, now time.Time) []*Metric {
	key := strconv.Itoa(p.Key())
	name := p.Name()

	var out []*Metric
	scopes := make(map[profile.NodeID]nodeScope)
	p.Walk(func(n *profile.Node) bool {
		sc := scopes[n.Parent]
		switch n.Kind {
		case profile.KindThread:
			sc.thread = n.Name
		case profile.KindContext:
			sc.context = n.Name
		}
		scopes[n.ID] = sc

		if !n.Measured || n.CumulativeCallCount == 0 {
			return true
		}

		labels := map[string]string{
			"profile":     name,
			"profile_key": key,
			"node_id":     strconv.Itoa(int(n.ID)),
			"path":        n.Path,
			"block":       n.Name,
			"thread":      sc.thread,
			"context":     sc.context,
		}
		point := func(metric, desc, unit string, typ MetricType, v uint64) *Metric {
			m := &Metric{
				Name:        metric,
				Description: desc,
				Unit:        unit,
				Type:        typ,
				Value:       float64(v),
				Timestamp:   now,
				Labels:      labels,
				ServiceName: serviceName,
			}
			if typ == MetricCounter {
				m.StartTime = start
			}
			return m
		}

		out = append(out,
			point(metricCalls, "Completed calls of the block", "1", MetricCounter, n.CumulativeCallCount),
			point(metricInclusive, "Time spent in the block including children", "ns", MetricCounter, n.CumulativeInclusiveNs),
			point(metricExclusive, "Time spent in the block excluding children", "ns", MetricCounter, n.CumulativeExclusiveNs),
			point(metricMax, "Longest single call of the block", "ns", MetricGauge, n.IncrementalMaxNs),
			point(metricMin, "Shortest single call of the block", "ns", MetricGauge, n.MinNs),
			point(metricLast, "Duration of the most recent call", "ns", MetricGauge, n.IncrementalInclusiveNs),
		)
		return true
	})
	return out
}
