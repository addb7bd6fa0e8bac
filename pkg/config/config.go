// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the blockprof agent.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"BLOCKPROF_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"BLOCKPROF_LOG_LEVEL"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Health      HealthConfig    `yaml:"health"`
}

// IngestConfig lists the sockets instrumented processes report to. Each
// source feeds its own profile.
type IngestConfig struct {
	Sources    []SourceConfig `yaml:"sources"`
	ReadBuffer int            `yaml:"read_buffer"` // SO_RCVBUF in bytes, 0 = kernel default
}

type SourceConfig struct {
	Name       string `yaml:"name"`
	SocketPath string `yaml:"socket_path"`
}

type ExportersConfig struct {
	Interval  time.Duration   `yaml:"interval"`
	OTLP      OTLPConfig      `yaml:"otlp"`
	Stdout    StdoutConfig    `yaml:"stdout"`
	Pyroscope PyroscopeConfig `yaml:"pyroscope"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type PyroscopeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "http://localhost:4040"
	AppName  string `yaml:"app_name"` // defaults to service_name
	Username string `yaml:"username"` // empty for unauthenticated
	Password string `yaml:"password"`
}

// HealthConfig configures the health and query HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"BLOCKPROF_HEALTH_PORT"` // e.g. ":8687"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "blockprof",
		LogLevel:    "info",
		Ingest: IngestConfig{
			Sources: []SourceConfig{
				{Name: "default", SocketPath: "/var/run/blockprof/ingest.sock"},
			},
			ReadBuffer: 4 * 1024 * 1024,
		},
		Exporters: ExportersConfig{
			Interval: 10 * time.Second,
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
			Pyroscope: PyroscopeConfig{
				Enabled:  false,
				Endpoint: "http://localhost:4040",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, health
//   - ingest.yaml    → ingest
//   - exporters.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "ingest.yaml", "exporters.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads BLOCKPROF_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"BLOCKPROF_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"BLOCKPROF_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"BLOCKPROF_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"BLOCKPROF_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"BLOCKPROF_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"BLOCKPROF_PYROSCOPE_ENDPOINT":      func(v string) { c.Exporters.Pyroscope.Endpoint = v },
		"BLOCKPROF_INGEST_SOCKET_PATH": func(v string) {
			if len(c.Ingest.Sources) == 0 {
				c.Ingest.Sources = append(c.Ingest.Sources, SourceConfig{Name: "default"})
			}
			c.Ingest.Sources[0].SocketPath = v
		},
	}

	boolOverrides := map[string]*bool{
		"BLOCKPROF_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"BLOCKPROF_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"BLOCKPROF_PYROSCOPE_ENABLED":        &c.Exporters.Pyroscope.Enabled,
		"BLOCKPROF_HEALTH_ENABLED":           &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"BLOCKPROF_EXPORTERS_INTERVAL": &c.Exporters.Interval,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "yes" {
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Ingest.Sources) == 0 {
		return fmt.Errorf("ingest.sources must list at least one source")
	}
	names := make(map[string]bool)
	paths := make(map[string]bool)
	for i, s := range c.Ingest.Sources {
		if s.Name == "" {
			return fmt.Errorf("ingest.sources[%d].name is required", i)
		}
		if s.SocketPath == "" {
			return fmt.Errorf("ingest.sources[%d].socket_path is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("ingest.sources: duplicate name %q", s.Name)
		}
		if paths[s.SocketPath] {
			return fmt.Errorf("ingest.sources: duplicate socket_path %q", s.SocketPath)
		}
		names[s.Name] = true
		paths[s.SocketPath] = true
	}

	if c.Exporters.Interval < 100*time.Millisecond {
		return fmt.Errorf("exporters.interval must be at least 100ms")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
	}
	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Exporters.Pyroscope.Enabled && c.Exporters.Pyroscope.Endpoint == "" {
		return fmt.Errorf("exporters.pyroscope.endpoint is required when pyroscope is enabled")
	}

	return nil
}
