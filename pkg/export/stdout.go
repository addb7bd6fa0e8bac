// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StdoutExporter prints node metrics for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates an exporter writing to os.Stdout.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	return newWriterExporter(os.Stdout, format, logger)
}

func newWriterExporter(w io.Writer, format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    w,
	}
}

// ExportMetrics prints metrics one per line.
func (e *StdoutExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range metrics {
		if e.format == "json" {
			if err := e.printJSON("metric", map[string]interface{}{
				"name":      m.Name,
				"type":      metricTypeName(m.Type),
				"value":     m.Value,
				"unit":      m.Unit,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"labels":    m.Labels,
			}); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(e.out,
			"[METRIC] %-26s %-7s %14.0f %-2s %s\n",
			m.Name, metricTypeName(m.Type), m.Value, m.Unit,
			formatLabels(m.Labels),
		); err != nil {
			return fmt.Errorf("write metric: %w", err)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) error {
	data["_type"] = typ
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	_, err = fmt.Fprintf(e.out, "%s\n", b)
	return err
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricTypeName(t MetricType) string {
	switch t {
	case MetricGauge:
		return "gauge"
	case MetricCounter:
		return "counter"
	default:
		return "unknown"
	}
}
