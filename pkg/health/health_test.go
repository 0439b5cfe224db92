// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeStatfs reports a filesystem at the given usage percentage.
func fakeStatfs(usagePercent float64) func(string, *unix.Statfs_t) error {
	return func(_ string, st *unix.Statfs_t) error {
		st.Bsize = 4096
		st.Blocks = 1_000_000
		st.Bavail = uint64(float64(st.Blocks) * (100 - usagePercent) / 100)
		return nil
	}
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) *Report {
	t.Helper()
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return &report
}

func TestSimple(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Simple("nexus")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body["status"])
	assert.Equal(t, "nexus", body["service"])
}

func TestDetailedHealthy(t *testing.T) {
	t.Parallel()

	dep := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer dep.Close()

	c := NewChecker("nexus", []Dependency{{Name: "core", URL: dep.URL}})
	c.statfs = fakeStatfs(50)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusHealthy, report.Checks.Disk.Status)
	assert.InDelta(t, 50, report.Checks.Disk.UsagePercent, 0.1)
	assert.Equal(t, StatusHealthy, report.Checks.Dependencies["core"].Status)
}

func TestDiskThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		usage      float64
		wantDisk   string
		wantStatus string
		wantHTTP   int
	}{
		{usage: 80, wantDisk: StatusHealthy, wantStatus: StatusHealthy, wantHTTP: http.StatusOK},
		{usage: 90, wantDisk: StatusDegraded, wantStatus: StatusDegraded, wantHTTP: http.StatusOK},
		{usage: 97, wantDisk: StatusUnhealthy, wantStatus: StatusUnhealthy, wantHTTP: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		c := NewChecker("nexus", nil)
		c.statfs = fakeStatfs(tt.usage)

		rec := httptest.NewRecorder()
		c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

		assert.Equal(t, tt.wantHTTP, rec.Code, "usage %.0f%%", tt.usage)
		report := decodeReport(t, rec)
		assert.Equal(t, tt.wantDisk, report.Checks.Disk.Status)
		assert.Equal(t, tt.wantStatus, report.Status)
	}
}

func TestUnreachableDependencyDegrades(t *testing.T) {
	t.Parallel()

	c := NewChecker("nexus", []Dependency{
		{Name: "core", URL: "http://127.0.0.1:1"},
	})
	c.statfs = fakeStatfs(40)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "a sick dependency degrades, never 503s")
	report := decodeReport(t, rec)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks.Dependencies["core"].Status)
	assert.Equal(t, "connection_refused", report.Checks.Dependencies["core"].Error)
}

func TestDependencyNon200(t *testing.T) {
	t.Parallel()

	dep := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dep.Close()

	c := NewChecker("nexus", []Dependency{{Name: "idp", URL: dep.URL}})
	c.statfs = fakeStatfs(40)

	report := c.Check(t.Context())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks.Dependencies["idp"].Status)
	assert.Equal(t, http.StatusInternalServerError, report.Checks.Dependencies["idp"].HTTPStatus)
}

func TestDependencyProbesRunInParallel(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	deps := []Dependency{
		{Name: "a", URL: slow.URL},
		{Name: "b", URL: slow.URL},
		{Name: "c", URL: slow.URL},
	}
	c := NewChecker("nexus", deps)
	c.statfs = fakeStatfs(40)

	start := time.Now()
	report := c.Check(t.Context())
	elapsed := time.Since(start)

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Less(t, elapsed, 400*time.Millisecond, "probes must not run sequentially")
}

func TestStatfsFailureIsUnknownNotFatal(t *testing.T) {
	t.Parallel()

	c := NewChecker("nexus", nil)
	c.statfs = func(string, *unix.Statfs_t) error { return unix.EACCES }

	report := c.Check(t.Context())
	assert.Equal(t, StatusUnknown, report.Checks.Disk.Status)
	assert.Equal(t, StatusHealthy, report.Status, "an unreadable filesystem stat does not fail the service")
}
