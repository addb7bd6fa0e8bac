// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/mbeema/blockprof/pkg/config"
	"go.uber.org/zap"
)

// ProfileUpload is one encoded pprof profile covering [Start, End].
type ProfileUpload struct {
	ProfileName string
	Start       time.Time
	End         time.Time
	PProfData   []byte
}

// ProfileSink receives encoded profiles.
type ProfileSink interface {
	ExportProfile(ctx context.Context, u *ProfileUpload) error
	Shutdown(ctx context.Context) error
}

// PyroscopeExporter pushes pprof profiles to a Pyroscope-compatible HTTP endpoint.
type PyroscopeExporter struct {
	endpoint string
	appName  string
	username string // Basic auth username (Grafana Cloud instance ID)
	password string // Basic auth password (Grafana Cloud API token)
	client   *http.Client
	logger   *zap.Logger
}

// NewPyroscopeExporter creates a new Pyroscope HTTP exporter. An empty
// app name in cfg falls back to serviceName.
func NewPyroscopeExporter(cfg *config.PyroscopeConfig, serviceName string, logger *zap.Logger) *PyroscopeExporter {
	appName := cfg.AppName
	if appName == "" {
		appName = serviceName
	}
	return &PyroscopeExporter{
		endpoint: cfg.Endpoint,
		appName:  sanitizeAppName(appName),
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

var invalidAppNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeAppName(name string) string {
	return invalidAppNameChars.ReplaceAllString(name, "_")
}

func (e *PyroscopeExporter) ingestURL(u *ProfileUpload) string {
	q := url.Values{}
	q.Set("name", e.appName+"."+sanitizeAppName(u.ProfileName))
	q.Set("format", "pprof")
	q.Set("from", fmt.Sprint(u.Start.Unix()))
	q.Set("until", fmt.Sprint(u.End.Unix()))
	return e.endpoint + "/ingest?" + q.Encode()
}

// ExportProfile sends a gzip'd pprof profile to the Pyroscope receiver.
func (e *PyroscopeExporter) ExportProfile(ctx context.Context, u *ProfileUpload) error {
	target := e.ingestURL(u)

	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(u.PProfData))
		if err != nil {
			cancel()
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if e.username != "" {
			req.SetBasicAuth(e.username, e.password)
		}

		resp, err := e.client.Do(req)
		cancel()

		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("pyroscope HTTP %d: %s", resp.StatusCode, string(body))
		}

		if attempt == maxRetries {
			return fmt.Errorf("pyroscope export failed after %d retries: %w", maxRetries+1, err)
		}

		e.logger.Warn("pyroscope export failed, retrying",
			zap.String("profile", u.ProfileName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}

	return nil
}

// Shutdown closes idle connections.
func (e *PyroscopeExporter) Shutdown(ctx context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
