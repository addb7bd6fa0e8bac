// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/mbeema/blockprof/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "blockprof"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends node metrics via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
	endpoint       string
	opts           []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:         logger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		endpoint:       cfg.Endpoint,
		opts:           opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// ExportMetrics sends metrics via OTLP gRPC.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := buildMetricsRequest(metrics, e.serviceName, e.serviceVersion)

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// buildMetricsRequest groups metrics by service so each gets its own
// ResourceMetrics. Shared by the gRPC and HTTP exporters.
func buildMetricsRequest(metrics []*Metric, fallbackService, serviceVersion string) *colmetricspb.ExportMetricsServiceRequest {
	grouped := make(map[string][]*metricspb.Metric)
	for _, m := range metrics {
		svc := m.ServiceName
		if svc == "" {
			svc = fallbackService
		}
		grouped[svc] = append(grouped[svc], convertMetric(m))
	}

	services := make([]string, 0, len(grouped))
	for svc := range grouped {
		services = append(services, svc)
	}
	sort.Strings(services)

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceMetrics := make([]*metricspb.ResourceMetrics, 0, len(grouped))
	for _, svc := range services {
		resourceMetrics = append(resourceMetrics, &metricspb.ResourceMetrics{
			Resource: resourceForService(svc, serviceVersion),
			ScopeMetrics: []*metricspb.ScopeMetrics{
				{
					Scope:   scope,
					Metrics: grouped[svc],
				},
			},
		})
	}

	return &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: resourceMetrics}
}

// resourceForService returns OTEL resource attributes for the agent process.
func resourceForService(serviceName, serviceVersion string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}

	if serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", serviceVersion))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(value)}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func convertMetric(m *Metric) *metricspb.Metric {
	pm := &metricspb.Metric{
		Name:        m.Name,
		Description: m.Description,
		Unit:        m.Unit,
	}

	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, strAttr(k, m.Labels[k]))
	}

	ts := uint64(m.Timestamp.UnixNano())

	switch m.Type {
	case MetricGauge:
		pm.Data = &metricspb.Metric_Gauge{
			Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{
					{
						TimeUnixNano: ts,
						Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:   attrs,
					},
				},
			},
		}

	case MetricCounter:
		var startTs uint64
		if !m.StartTime.IsZero() {
			startTs = uint64(m.StartTime.UnixNano())
		}
		pm.Data = &metricspb.Metric_Sum{
			Sum: &metricspb.Sum{
				IsMonotonic:            true,
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints: []*metricspb.NumberDataPoint{
					{
						StartTimeUnixNano: startTs,
						TimeUnixNano:      ts,
						Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:        attrs,
					},
				},
			},
		}
	}

	return pm
}

// sanitizeUTF8 replaces invalid UTF-8 sequences. Block labels arrive from
// the wire unchecked and protobuf marshaling rejects invalid strings.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
