package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kman0001/tubesync-plex/internal/config"
)

func TestNewManager(t *testing.T) {
	m := NewManager("v1.2.3")
	assert.NotNil(t, m)
	assert.Equal(t, "v1.2.3", m.version)
	assert.Empty(t, m.checkers)
}

func TestManagerHealthNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestManagerHealthWithCheckers(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	// Non-verbose: no checks included, status stays healthy.
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	// Verbose: checks included and aggregated.
	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["healthy"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManagerHealthUnhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManagerReadyNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestManagerReadyAggregation(t *testing.T) {
	tests := []struct {
		name          string
		checker       Checker
		expectedReady bool
		expected      Status
	}{
		{"healthy", &mockChecker{name: "c", status: StatusHealthy}, true, StatusHealthy},
		{"degraded still ready", &mockChecker{name: "c", status: StatusDegraded}, true, StatusDegraded},
		{"unhealthy not ready", &mockChecker{name: "c", status: StatusUnhealthy}, false, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)

			resp := m.Ready(context.Background())
			assert.Equal(t, tt.expectedReady, resp.Ready)
			assert.Equal(t, tt.expected, resp.Status)
		})
	}
}

func TestServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "test", status: StatusHealthy})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	req = httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	w = httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Checks, 1)
}

func TestServeHealthEncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := &brokenWriter{header: make(http.Header)}

	// Must not panic when the writer fails.
	m.ServeHealth(w, req)
}

func TestServeReady(t *testing.T) {
	tests := []struct {
		name           string
		checker        Checker
		expectedStatus int
		expectedReady  bool
	}{
		{"healthy", &mockChecker{name: "test", status: StatusHealthy}, http.StatusOK, true},
		{"degraded", &mockChecker{name: "test", status: StatusDegraded}, http.StatusOK, true},
		{"unhealthy", &mockChecker{name: "test", status: StatusUnhealthy}, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			m.ServeReady(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.expectedReady, resp.Ready)
		})
	}
}

func TestWritableDirChecker(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name           string
		setup          func() string
		expectedStatus Status
		expectedError  string
	}{
		{
			name:           "writable directory",
			setup:          func() string { return tempDir },
			expectedStatus: StatusHealthy,
		},
		{
			name: "missing directory",
			setup: func() string {
				return filepath.Join(tempDir, "nonexistent")
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "directory not found",
		},
		{
			name: "path is a file",
			setup: func() string {
				path := filepath.Join(tempDir, "file.txt")
				require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
				return path
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "expected directory, got file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewWritableDirChecker("cache_dir", tt.setup())
			assert.Equal(t, "cache_dir", checker.Name())

			result := checker.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			if tt.expectedError != "" {
				assert.Contains(t, result.Error, tt.expectedError)
			}
		})
	}
}

type fakeProber struct {
	err error
}

func (f *fakeProber) Identity(_ context.Context) error { return f.err }

func TestServerChecker(t *testing.T) {
	checker := NewServerChecker(&fakeProber{})
	assert.Equal(t, "media_server", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	checker = NewServerChecker(&fakeProber{err: errors.New("connection refused")})
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "connection refused")
}

func TestLastRepairChecker(t *testing.T) {
	interval := time.Minute

	tests := []struct {
		name           string
		last           time.Time
		expectedStatus Status
		expectedMsg    string
	}{
		{
			name:           "no sweep yet",
			last:           time.Time{},
			expectedStatus: StatusHealthy,
			expectedMsg:    "no repair sweep completed yet",
		},
		{
			name:           "recent sweep",
			last:           time.Now().Add(-30 * time.Second),
			expectedStatus: StatusHealthy,
			expectedMsg:    "ago",
		},
		{
			name:           "overdue sweep",
			last:           time.Now().Add(-10 * time.Minute),
			expectedStatus: StatusDegraded,
			expectedMsg:    "overdue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewLastRepairChecker(interval, func() time.Time { return tt.last })
			assert.Equal(t, "last_repair_sweep", checker.Name())

			result := checker.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			assert.Contains(t, result.Message, tt.expectedMsg)
		})
	}
}

func TestPerformStartupChecks(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "tubesync_cache.json")
	cfg := config.Default()

	require.NoError(t, PerformStartupChecks(cfg, cachePath, nil))
}

func TestPerformStartupChecksMissingCacheDir(t *testing.T) {
	cfg := config.Default()
	cachePath := filepath.Join(t.TempDir(), "gone", "tubesync_cache.json")

	err := PerformStartupChecks(cfg, cachePath, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache directory")
}

func TestPerformStartupChecksListenAddr(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "tubesync_cache.json")

	cfg := config.Default()
	cfg.OpsListen = ":9090"
	require.NoError(t, PerformStartupChecks(cfg, cachePath, nil))

	cfg.OpsListen = "no-port"
	err := PerformStartupChecks(cfg, cachePath, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen address")

	cfg.OpsListen = "localhost:99999"
	err = PerformStartupChecks(cfg, cachePath, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen port")
}

func TestPerformStartupChecksWatchRoots(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "tubesync_cache.json")
	cfg := config.Default()

	root := t.TempDir()
	require.NoError(t, PerformStartupChecks(cfg, cachePath, []string{root}))

	err := PerformStartupChecks(cfg, cachePath, []string{filepath.Join(root, "missing")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch folder does not exist")

	file := filepath.Join(root, "file.mkv")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	err = PerformStartupChecks(cfg, cachePath, []string{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

// Mock checker for manager aggregation tests.
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: m.message,
		Error:   m.err,
	}
}

// brokenWriter always fails to write.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}

func (w *brokenWriter) WriteHeader(int) {}
