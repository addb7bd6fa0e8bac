package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agent.yaml", `
service_name: planner
log_level: debug
ingest:
  sources:
    - name: robot
      socket_path: /tmp/robot.sock
    - name: sim
      socket_path: /tmp/sim.sock
exporters:
  interval: 2s
  otlp:
    enabled: true
    endpoint: collector:4317
`)

	cfg, err := Load(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "planner" || cfg.LogLevel != "debug" {
		t.Errorf("service=%q level=%q", cfg.ServiceName, cfg.LogLevel)
	}
	if len(cfg.Ingest.Sources) != 2 || cfg.Ingest.Sources[1].Name != "sim" {
		t.Errorf("sources = %+v", cfg.Ingest.Sources)
	}
	if cfg.Exporters.Interval != 2*time.Second {
		t.Errorf("interval = %v", cfg.Exporters.Interval)
	}
	if cfg.Exporters.OTLP.Protocol != "grpc" {
		t.Errorf("OTLP protocol default lost: %q", cfg.Exporters.OTLP.Protocol)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDirMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "service_name: base\nhealth:\n  port: \":9999\"\n")
	writeFile(t, dir, "exporters.yaml", "exporters:\n  stdout:\n    enabled: true\n    format: json\n")

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if cfg.ServiceName != "base" || cfg.Health.Port != ":9999" {
		t.Errorf("base not applied: %+v", cfg)
	}
	if !cfg.Exporters.Stdout.Enabled || cfg.Exporters.Stdout.Format != "json" {
		t.Errorf("exporters not applied: %+v", cfg.Exporters.Stdout)
	}
	if len(cfg.Ingest.Sources) != 1 || cfg.Ingest.Sources[0].Name != "default" {
		t.Errorf("missing ingest.yaml should keep default sources, got %+v", cfg.Ingest.Sources)
	}
}

func TestLoadDirRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ingest.yaml", "ingest: [unclosed")
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "ingest.yaml") {
		t.Errorf("expected ingest.yaml error, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKPROF_SERVICE_NAME", "from-env")
	t.Setenv("BLOCKPROF_INGEST_SOCKET_PATH", "/tmp/env.sock")
	t.Setenv("BLOCKPROF_EXPORTERS_OTLP_ENABLED", "yes")
	t.Setenv("BLOCKPROF_HEALTH_ENABLED", "0")
	t.Setenv("BLOCKPROF_EXPORTERS_INTERVAL", "3s")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.ServiceName != "from-env" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.Ingest.Sources[0].SocketPath != "/tmp/env.sock" {
		t.Errorf("SocketPath = %q", cfg.Ingest.Sources[0].SocketPath)
	}
	if !cfg.Exporters.OTLP.Enabled {
		t.Error("OTLP should be enabled")
	}
	if cfg.Health.Enabled {
		t.Error("health should be disabled")
	}
	if cfg.Exporters.Interval != 3*time.Second {
		t.Errorf("Interval = %v", cfg.Exporters.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no sources", func(c *Config) { c.Ingest.Sources = nil }, "at least one source"},
		{"empty name", func(c *Config) { c.Ingest.Sources[0].Name = "" }, "name is required"},
		{"empty socket", func(c *Config) { c.Ingest.Sources[0].SocketPath = "" }, "socket_path is required"},
		{"duplicate name", func(c *Config) {
			c.Ingest.Sources = append(c.Ingest.Sources, SourceConfig{Name: "default", SocketPath: "/tmp/x"})
		}, "duplicate name"},
		{"duplicate socket", func(c *Config) {
			c.Ingest.Sources = append(c.Ingest.Sources, SourceConfig{Name: "b", SocketPath: c.Ingest.Sources[0].SocketPath})
		}, "duplicate socket_path"},
		{"short interval", func(c *Config) { c.Exporters.Interval = time.Millisecond }, "interval"},
		{"otlp endpoint", func(c *Config) {
			c.Exporters.OTLP.Enabled = true
			c.Exporters.OTLP.Endpoint = ""
		}, "endpoint is required"},
		{"otlp protocol", func(c *Config) {
			c.Exporters.OTLP.Enabled = true
			c.Exporters.OTLP.Protocol = "udp"
		}, "protocol"},
		{"compression", func(c *Config) { c.Exporters.OTLP.Compression = "zstd" }, "compression"},
		{"stdout format", func(c *Config) {
			c.Exporters.Stdout.Enabled = true
			c.Exporters.Stdout.Format = "xml"
		}, "format"},
		{"pyroscope endpoint", func(c *Config) {
			c.Exporters.Pyroscope.Enabled = true
			c.Exporters.Pyroscope.Endpoint = ""
		}, "pyroscope.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
