// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/blockprof/pkg/config"
	"github.com/mbeema/blockprof/pkg/health"
	"github.com/mbeema/blockprof/pkg/profile"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 10 * time.Second
	notifyBuffer       = 1024
	exportTimeout      = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
	breakerThreshold   = 5
	breakerResetPeriod = 30 * time.Second

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Source is the set of profiles the Manager exports.
type Source interface {
	Subscribe(buffer int) (<-chan profile.Change, func())
	Profile(key int) (*profile.Profile, bool)
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string
	Stats          *health.Stats // optional
}

type metricSink struct {
	name string
	exp  Exporter
	cb   *CircuitBreaker
}

type profileSink struct {
	sink ProfileSink
	cb   *CircuitBreaker
}

// Manager exports profiles that changed since the previous tick: node
// metrics go to every metric exporter, pprof deltas to the profile sink.
type Manager struct {
	logger      *zap.Logger
	source      Source
	serviceName string
	stats       *health.Stats

	metrics  []metricSink
	profiles *profileSink

	interval time.Duration
	backoff  time.Duration
	started  time.Time

	dirtyMu sync.Mutex
	dirty   map[int]struct{}

	flushMu    sync.Mutex
	lastExport map[int]time.Time
	baselines  map[int]Baseline

	metricCount  atomic.Int64
	profileCount atomic.Int64
	dropCount    atomic.Int64

	unsubscribe func()
	wg          sync.WaitGroup
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewManager creates an export manager from configuration. An exporter that
// fails to initialize is logged and skipped.
func NewManager(mc *ManagerConfig, source Source, logger *zap.Logger) (*Manager, error) {
	if mc == nil || mc.Exporters == nil {
		return nil, fmt.Errorf("export: missing exporters config")
	}
	cfg := mc.Exporters

	var exporters []namedExporter
	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		name := "otlp-" + cfg.OTLP.Protocol
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			exporters = append(exporters, namedExporter{name, exp})
		}
	}

	if cfg.Stdout.Enabled {
		exporters = append(exporters, namedExporter{"stdout", NewStdoutExporter(cfg.Stdout.Format, logger)})
	}

	var sink ProfileSink
	if cfg.Pyroscope.Enabled {
		sink = NewPyroscopeExporter(&cfg.Pyroscope, mc.ServiceName, logger)
		logger.Info("pyroscope exporter enabled", zap.String("endpoint", cfg.Pyroscope.Endpoint))
	}

	m := newManager(source, exporters, sink, cfg.Interval, logger)
	m.serviceName = mc.ServiceName
	m.stats = mc.Stats
	return m, nil
}

type namedExporter struct {
	name string
	exp  Exporter
}

func newManager(source Source, exporters []namedExporter, sink ProfileSink, interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	m := &Manager{
		logger:     logger,
		source:     source,
		interval:   interval,
		backoff:    initialBackoff,
		dirty:      make(map[int]struct{}),
		lastExport: make(map[int]time.Time),
		baselines:  make(map[int]Baseline),
		stopCh:     make(chan struct{}),
	}
	for _, ne := range exporters {
		m.metrics = append(m.metrics, metricSink{name: ne.name, exp: ne.exp, cb: m.newBreaker(ne.name)})
	}
	if sink != nil {
		m.profiles = &profileSink{sink: sink, cb: m.newBreaker("pyroscope")}
	}
	return m
}

func (m *Manager) newBreaker(name string) *CircuitBreaker {
	cb := NewCircuitBreaker(name, breakerThreshold, breakerResetPeriod)
	cb.OnStateChange(func(name string, from, to CircuitState) {
		m.logger.Warn("export circuit breaker state change",
			zap.String("sink", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})
	return cb
}

// Start subscribes to profile changes and begins the export loop.
func (m *Manager) Start(ctx context.Context) error {
	m.started = time.Now()
	ch, unsubscribe := m.source.Subscribe(notifyBuffer)
	m.unsubscribe = unsubscribe

	m.wg.Add(1)
	go m.run(ctx, ch)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.metrics)),
		zap.Duration("interval", m.interval),
		zap.Bool("pyroscope", m.profiles != nil),
	)
	return nil
}

// Stop flushes pending profiles and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range m.metrics {
		if err := s.exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.String("sink", s.name), zap.Error(err))
		}
	}
	if m.profiles != nil {
		if err := m.profiles.sink.Shutdown(ctx); err != nil {
			m.logger.Error("pyroscope shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("metrics_exported", m.metricCount.Load()),
		zap.Int64("profiles_exported", m.profileCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

func (m *Manager) run(ctx context.Context, changes <-chan profile.Change) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.markDirty(c)

		case <-ticker.C:
			m.Flush(ctx)

		case <-m.stopCh:
			m.drain(changes)
			m.Flush(context.Background())
			return

		case <-ctx.Done():
			m.drain(changes)
			m.Flush(context.Background())
			return
		}
	}
}

func (m *Manager) drain(changes <-chan profile.Change) {
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			m.markDirty(c)
		default:
			return
		}
	}
}

func (m *Manager) markDirty(c profile.Change) {
	switch c.Kind {
	case profile.DataAdded, profile.ProfileModified:
		m.dirtyMu.Lock()
		m.dirty[c.ProfileKey] = struct{}{}
		m.dirtyMu.Unlock()
	}
}

// Pending returns the number of profiles waiting for the next flush.
func (m *Manager) Pending() int {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return len(m.dirty)
}

func (m *Manager) takeDirty() []int {
	m.dirtyMu.Lock()
	keys := make([]int, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	m.dirty = make(map[int]struct{})
	m.dirtyMu.Unlock()

	sort.Ints(keys)
	return keys
}

// Flush exports every dirty profile now.
func (m *Manager) Flush(ctx context.Context) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	keys := m.takeDirty()
	if len(keys) == 0 {
		return
	}

	now := time.Now()
	var batch []*Metric
	for _, key := range keys {
		p, ok := m.source.Profile(key)
		if !ok || !p.IsValid() {
			continue
		}
		if len(m.metrics) > 0 {
			batch = append(batch, BuildMetrics(p, m.serviceName, m.started, now)...)
		}
		if m.profiles != nil {
			m.exportProfile(ctx, p, now)
		}
	}

	if len(batch) > 0 {
		m.flushMetrics(ctx, batch)
	}
}

func (m *Manager) flushMetrics(ctx context.Context, metrics []*Metric) {
	for _, s := range m.metrics {
		if m.retryExport(ctx, s.name, s.cb, func(expCtx context.Context) error {
			return s.exp.ExportMetrics(expCtx, metrics)
		}) {
			m.metricCount.Add(int64(len(metrics)))
			if m.stats != nil {
				m.stats.MetricsExported.Add(int64(len(metrics)))
			}
		} else if m.stats != nil {
			m.stats.MetricsDropped.Add(int64(len(metrics)))
		}
	}
}

func (m *Manager) exportProfile(ctx context.Context, p *profile.Profile, now time.Time) {
	key := p.Key()
	start, ok := m.lastExport[key]
	if !ok {
		start = m.started
	}

	prof, next := BuildPProf(p, start, now, m.baselines[key])
	if len(prof.Sample) == 0 {
		m.baselines[key] = next
		return
	}
	data, err := EncodePProf(prof)
	if err != nil {
		m.logger.Error("encode pprof", zap.Int("profile_key", key), zap.Error(err))
		m.dropProfile()
		return
	}

	upload := &ProfileUpload{ProfileName: p.Name(), Start: start, End: now, PProfData: data}
	if !m.profiles.cb.Allow() {
		m.logger.Debug("circuit breaker open, dropping profile", zap.Int("profile_key", key))
		m.dropProfile()
		return
	}

	expCtx, cancel := context.WithTimeout(ctx, exportTimeout)
	err = m.profiles.sink.ExportProfile(expCtx, upload)
	cancel()
	if err != nil {
		m.profiles.cb.RecordFailure()
		m.logger.Error("pyroscope export error",
			zap.String("profile", p.Name()),
			zap.Error(err),
		)
		m.dropProfile()
		return
	}
	m.profiles.cb.RecordSuccess()

	// The window only advances on success so a failed upload is folded
	// into the next one.
	m.baselines[key] = next
	m.lastExport[key] = now
	m.profileCount.Add(1)
	if m.stats != nil {
		m.stats.ProfilesExported.Add(1)
	}
}

func (m *Manager) dropProfile() {
	m.dropCount.Add(1)
	if m.stats != nil {
		m.stats.ProfilesDropped.Add(1)
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the export eventually succeeded.
func (m *Manager) retryExport(ctx context.Context, sink string, cb *CircuitBreaker, exportFn func(context.Context) error) bool {
	if !cb.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit breaker open, dropping export", zap.String("sink", sink))
		return false
	}

	backoff := m.backoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			cb.RecordSuccess()
			return true
		}

		cb.RecordFailure()

		if attempt == maxRetries || cb.State() == CircuitOpen {
			m.logger.Error("export failed",
				zap.String("sink", sink),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(1)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.String("sink", sink),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.dropCount.Add(1)
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats returns current export statistics.
func (m *Manager) Stats() (metrics, profiles int64) {
	return m.metricCount.Load(), m.profileCount.Load()
}

// DropCount returns the number of failed or rejected exports.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}
