// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/mbeema/blockprof/pkg/adapter"
	"github.com/mbeema/blockprof/pkg/config"
	"github.com/mbeema/blockprof/pkg/database"
	"github.com/mbeema/blockprof/pkg/export"
	"github.com/mbeema/blockprof/pkg/health"
	"github.com/mbeema/blockprof/pkg/ingest"
	"github.com/mbeema/blockprof/pkg/profile"
	"go.uber.org/zap"
)

// Agent wires ingest sources, the profile database, exporters and the
// health server together.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	db           *database.Database
	sources      []*source
	healthStats  *health.Stats
	healthServer *health.Server

	mu       sync.Mutex
	exporter *export.Manager
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// source is one ingest socket feeding one profile.
type source struct {
	name     string
	profile  *profile.Profile
	adapter  *adapter.Adapter
	listener *ingest.Listener
	stats    *health.Stats
	logger   *zap.Logger
}

// New builds an agent from cfg. Every configured source gets its own
// profile, named after the source.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		logger:      logger,
		version:     version,
		db:          database.New(logger),
		healthStats: health.NewStats(),
	}
	a.cfg.Store(cfg)

	for _, sc := range cfg.Ingest.Sources {
		p, err := a.db.CreateProfile(sc.Name)
		if err != nil {
			return nil, fmt.Errorf("create profile for source %q: %w", sc.Name, err)
		}
		src := &source{
			name:    sc.Name,
			profile: p,
			adapter: adapter.New(logger),
			stats:   a.healthStats,
			logger:  logger.With(zap.String("source", sc.Name)),
		}
		src.listener = ingest.NewListener(sc.SocketPath, cfg.Ingest.ReadBuffer, ingest.Callbacks{
			OnIndex: src.handleIndex,
			OnData:  src.handleData,
			OnError: src.handleError,
		}, src.logger)
		a.sources = append(a.sources, src)
	}

	exporter, err := a.newExporter(cfg)
	if err != nil {
		return nil, err
	}
	a.exporter = exporter

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, version, a.healthStats, a.db, logger)
	}

	return a, nil
}

func (a *Agent) newExporter(cfg *config.Config) (*export.Manager, error) {
	m, err := export.NewManager(&export.ManagerConfig{
		Exporters:      &cfg.Exporters,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: a.version,
		Stats:          a.healthStats,
	}, a.db, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return m, nil
}

// Start binds every ingest socket and starts exporting.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	if err := a.exporter.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start exporter: %w", err)
	}

	for i, src := range a.sources {
		if err := src.listener.Start(ctx); err != nil {
			for _, started := range a.sources[:i] {
				started.listener.Stop()
			}
			a.exporter.Stop()
			cancel()
			return fmt.Errorf("start source %q: %w", src.name, err)
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
		} else {
			a.healthServer.SetReady(true)
		}
	}

	a.started = true
	a.logger.Info("agent started",
		zap.Int("sources", len(a.sources)),
		zap.Bool("health", a.healthServer != nil),
	)
	return nil
}

// Stop closes the sockets, flushes the exporters and stops the health server.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
	}

	// Sockets close first so the final export sees every datagram read.
	var errs []error
	for _, src := range a.sources {
		if err := src.listener.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop source %q: %w", src.name, err))
		}
	}

	if err := a.exporter.Stop(); err != nil {
		errs = append(errs, err)
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.healthServer != nil {
		if err := a.healthServer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	snap := a.healthStats.Snapshot()
	metrics, profiles := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("events_ingested", snap.EventsIngested),
		zap.Int64("rejected_messages", snap.RejectedMessages),
		zap.Int64("decode_errors", snap.DecodeErrors),
		zap.Int64("metrics_exported", metrics),
		zap.Int64("profiles_exported", profiles),
		zap.Int64("dropped_notifications", a.db.DroppedNotifications()),
	)

	return errors.Join(errs...)
}

// Reload applies new configuration. Exporter settings take effect at once
// by replacing the export manager; ingest and health settings need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()
	a.cfg.Store(cfg)

	if !reflect.DeepEqual(oldCfg.Ingest, cfg.Ingest) {
		a.logger.Warn("ingest settings changed, restart required to apply")
	}
	if oldCfg.Health != cfg.Health {
		a.logger.Warn("health settings changed, restart required to apply")
	}

	if reflect.DeepEqual(oldCfg.Exporters, cfg.Exporters) && oldCfg.ServiceName == cfg.ServiceName {
		a.logger.Info("configuration reloaded, exporters unchanged")
		return nil
	}

	next, err := a.newExporter(cfg)
	if err != nil {
		a.cfg.Store(oldCfg)
		return err
	}

	if a.started {
		// The old manager flushes what it has before the new one subscribes.
		if err := a.exporter.Stop(); err != nil {
			a.logger.Warn("stopping previous exporter", zap.Error(err))
		}
		if err := next.Start(a.ctx); err != nil {
			a.cfg.Store(oldCfg)
			return fmt.Errorf("start exporter: %w", err)
		}
	}
	a.exporter = next

	a.logger.Info("configuration reloaded",
		zap.Duration("interval", cfg.Exporters.Interval),
		zap.Bool("otlp", cfg.Exporters.OTLP.Enabled),
		zap.Bool("stdout", cfg.Exporters.Stdout.Enabled),
		zap.Bool("pyroscope", cfg.Exporters.Pyroscope.Enabled),
	)
	return nil
}

// Database returns the profile database.
func (a *Agent) Database() *database.Database {
	return a.db
}

// Stats returns the agent's self-monitoring counters.
func (a *Agent) Stats() *health.Stats {
	return a.healthStats
}

// Exporter returns the active export manager.
func (a *Agent) Exporter() *export.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exporter
}

func (s *source) handleIndex(msg adapter.IndexMessage) {
	s.stats.IndexMessages.Add(1)
	s.adapter.ProcessIndex(msg)
}

func (s *source) handleData(msg adapter.DataMessage) {
	s.stats.DataMessages.Add(1)

	events, err := s.adapter.ProcessData(msg)
	if err != nil {
		s.stats.RejectedMessages.Add(1)
		if errors.Is(err, adapter.ErrNoIndex) {
			s.logger.Debug("data before index, dropping message", zap.Error(err))
			return
		}
		s.logger.Warn("data message truncated", zap.Int("events_kept", len(events)), zap.Error(err))
	}
	if len(events) == 0 {
		return
	}

	if err := s.profile.AddData(events); err != nil {
		s.logger.Warn("profile rejected batch", zap.Error(err))
		return
	}
	s.stats.EventsIngested.Add(int64(len(events)))
}

func (s *source) handleError(err error) {
	s.stats.DecodeErrors.Add(1)
	s.logger.Debug("malformed datagram", zap.Error(err))
}
