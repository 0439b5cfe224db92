// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health serves the gateway's liveness and readiness
// endpoints. The simple check answers instantly for load balancers;
// the detailed check probes local disk and downstream services and
// rolls them into one overall status.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hivematrix/nexus/pkg/logger"
)

// Overall statuses, ordered from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Disk usage thresholds, in percent of the root filesystem.
const (
	diskDegradedPercent  = 85
	diskUnhealthyPercent = 95
)

// probeTimeout bounds each dependency probe.
const probeTimeout = 3 * time.Second

// Dependency is a downstream service probed by the detailed check.
type Dependency struct {
	Name string
	URL  string
}

// Simple returns the liveness handler: always 200, no downstream
// calls.
func Simple(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  StatusHealthy,
			"service": serviceName,
		})
	}
}

// Checker runs the detailed health check.
type Checker struct {
	serviceName  string
	dependencies []Dependency
	client       *http.Client

	// statfs is swappable for tests.
	statfs func(path string, st *unix.Statfs_t) error
}

// NewChecker builds the detailed checker. The probe client carries its
// own timeout, so the caller's client settings do not matter much.
func NewChecker(serviceName string, deps []Dependency) *Checker {
	return &Checker{
		serviceName:  serviceName,
		dependencies: deps,
		client:       &http.Client{Timeout: probeTimeout},
		statfs:       unix.Statfs,
	}
}

// DiskCheck reports root filesystem usage.
type DiskCheck struct {
	Status       string  `json:"status"`
	UsagePercent float64 `json:"usage_percent,omitempty"`
	FreeGB       float64 `json:"free_gb,omitempty"`
	TotalGB      float64 `json:"total_gb,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// DependencyCheck reports one downstream probe.
type DependencyCheck struct {
	Status         string `json:"status"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
	HTTPStatus     int    `json:"http_status,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Report is the detailed health response body.
type Report struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    struct {
		Disk         DiskCheck                  `json:"disk"`
		Dependencies map[string]DependencyCheck `json:"dependencies,omitempty"`
	} `json:"checks"`
}

// Handler serves the detailed check: 200 for healthy and degraded,
// 503 for unhealthy.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// Check runs every probe and derives the overall status. Dependency
// probes run in parallel; the check never takes much longer than one
// probe timeout.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Service:   c.serviceName,
		Timestamp: time.Now().UTC(),
	}

	report.Checks.Disk = c.checkDisk()
	report.Checks.Dependencies = c.checkDependencies(ctx)
	report.Status = overall(report)
	return report
}

// checkDisk inspects the root filesystem. A failing statfs is reported
// as unknown rather than unhealthy; it says nothing about the service.
func (c *Checker) checkDisk() DiskCheck {
	var st unix.Statfs_t
	if err := c.statfs("/", &st); err != nil {
		return DiskCheck{Status: StatusUnknown, Error: err.Error()}
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return DiskCheck{Status: StatusUnknown, Error: "zero-size filesystem"}
	}
	used := total - free
	usagePercent := float64(used) / float64(total) * 100

	status := StatusHealthy
	switch {
	case usagePercent >= diskUnhealthyPercent:
		status = StatusUnhealthy
	case usagePercent >= diskDegradedPercent:
		status = StatusDegraded
	}

	const gb = 1 << 30
	return DiskCheck{
		Status:       status,
		UsagePercent: round2(usagePercent),
		FreeGB:       round2(float64(free) / gb),
		TotalGB:      round2(float64(total) / gb),
	}
}

// checkDependencies probes every dependency's /health in parallel.
func (c *Checker) checkDependencies(ctx context.Context) map[string]DependencyCheck {
	if len(c.dependencies) == 0 {
		return nil
	}

	results := make(map[string]DependencyCheck, len(c.dependencies))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, dep := range c.dependencies {
		g.Go(func() error {
			res := c.probe(ctx, dep)
			mu.Lock()
			results[dep.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Checker) probe(ctx context.Context, dep Dependency) DependencyCheck {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, dep.URL+"/health", nil)
	if err != nil {
		return DependencyCheck{Status: StatusUnhealthy, Error: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		logger.Debugw("dependency probe failed",
			"dependency", dep.Name,
			"error", err.Error(),
		)
		return DependencyCheck{Status: StatusUnhealthy, Error: probeError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DependencyCheck{Status: StatusUnhealthy, HTTPStatus: resp.StatusCode}
	}
	return DependencyCheck{
		Status:         StatusHealthy,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// probeError collapses transport errors into the short labels
// operators grep for.
func probeError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		return "connection_refused"
	}
	return err.Error()
}

// overall folds the individual checks into one status. Disk exhaustion
// is the only local condition that makes the gateway unhealthy; a sick
// dependency only degrades it, since the gateway can still serve the
// rest.
func overall(report *Report) string {
	if report.Checks.Disk.Status == StatusUnhealthy {
		return StatusUnhealthy
	}

	if report.Checks.Disk.Status == StatusDegraded {
		return StatusDegraded
	}
	for _, dep := range report.Checks.Dependencies {
		if dep.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode health response", "error", err.Error())
	}
}
