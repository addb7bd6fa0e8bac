// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "blockprof"

var _ prometheus.Collector = (*Stats)(nil)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time
	proc      *process.Process

	IndexMessages    atomic.Int64
	DataMessages     atomic.Int64
	DecodeErrors     atomic.Int64
	RejectedMessages atomic.Int64
	EventsIngested   atomic.Int64
	MetricsExported  atomic.Int64
	MetricsDropped   atomic.Int64
	ProfilesExported atomic.Int64
	ProfilesDropped  atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds    float64
	Goroutines       int
	MemoryRSSBytes   uint64
	CPUPercent       float64
	IndexMessages    int64
	DataMessages     int64
	DecodeErrors     int64
	RejectedMessages int64
	EventsIngested   int64
	MetricsExported  int64
	MetricsDropped   int64
	ProfilesExported int64
	ProfilesDropped  int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:    s.Uptime().Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		IndexMessages:    s.IndexMessages.Load(),
		DataMessages:     s.DataMessages.Load(),
		DecodeErrors:     s.DecodeErrors.Load(),
		RejectedMessages: s.RejectedMessages.Load(),
		EventsIngested:   s.EventsIngested.Load(),
		MetricsExported:  s.MetricsExported.Load(),
		MetricsDropped:   s.MetricsDropped.Load(),
		ProfilesExported: s.ProfilesExported.Load(),
		ProfilesDropped:  s.ProfilesDropped.Load(),
	}

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		snap.MemoryRSSBytes = memStats.Sys
	}
	return snap
}

type statMetric struct {
	name  string
	help  string
	typ   prometheus.ValueType
	value func(Snapshot) float64
}

var statMetrics = []statMetric{
	{"agent_uptime_seconds", "Agent uptime in seconds", prometheus.GaugeValue, func(s Snapshot) float64 { return s.UptimeSeconds }},
	{"agent_goroutines", "Number of goroutines", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.Goroutines) }},
	{"agent_memory_rss_bytes", "Resident memory in bytes", prometheus.GaugeValue, func(s Snapshot) float64 { return float64(s.MemoryRSSBytes) }},
	{"agent_cpu_percent", "Agent CPU usage since start", prometheus.GaugeValue, func(s Snapshot) float64 { return s.CPUPercent }},
	{"ingest_index_messages_total", "Total index messages received", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.IndexMessages) }},
	{"ingest_data_messages_total", "Total data messages received", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.DataMessages) }},
	{"ingest_decode_errors_total", "Total datagrams that failed to decode", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.DecodeErrors) }},
	{"ingest_rejected_messages_total", "Total data messages rejected for a missing or stale index", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.RejectedMessages) }},
	{"ingest_events_total", "Total events applied to profiles", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.EventsIngested) }},
	{"export_metrics_exported_total", "Total metrics exported", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.MetricsExported) }},
	{"export_metrics_dropped_total", "Total metrics dropped", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.MetricsDropped) }},
	{"export_profiles_exported_total", "Total profiles exported", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.ProfilesExported) }},
	{"export_profiles_dropped_total", "Total profiles dropped", prometheus.CounterValue, func(s Snapshot) float64 { return float64(s.ProfilesDropped) }},
}

func (s *Stats) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	for _, m := range statMetrics {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, "", m.name), m.help, nil, nil),
			m.typ,
			m.value(snap),
		)
	}
}
