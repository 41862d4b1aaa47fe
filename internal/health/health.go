// Package health provides liveness and readiness checks for the ops
// endpoints. It supports Docker HEALTHCHECK and Kubernetes probes with
// per-component status.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kman0001/tubesync-plex/internal/log"
)

// Status is the overall health or readiness state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers into liveness and readiness
// responses.
type Manager struct {
	version  string
	started  time.Time
	checkers []Checker
}

// NewManager creates a manager for the given build version.
func NewManager(version string) *Manager {
	return &Manager{
		version:  version,
		started:  time.Now(),
		checkers: make([]Checker, 0),
	}
}

// RegisterChecker adds a component checker.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Uptime reports how long the manager (and so the process) has been up.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

// Health is the liveness probe. The process being able to answer is the
// check; component results are attached only in verbose mode and never
// change the HTTP status.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		hasUnhealthy := false
		hasDegraded := false

		for _, checker := range m.checkers {
			result := checker.Check(ctx)
			resp.Checks[checker.Name()] = result

			switch result.Status {
			case StatusUnhealthy:
				hasUnhealthy = true
			case StatusDegraded:
				hasDegraded = true
			}
		}

		if hasUnhealthy {
			resp.Status = StatusUnhealthy
		} else if hasDegraded {
			resp.Status = StatusDegraded
		}
	}

	return resp
}

// Ready is the readiness probe. Any unhealthy component makes the whole
// response not ready; degraded components keep serving.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	hasUnhealthy := false
	hasDegraded := false

	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		resp.Checks[checker.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
			resp.Ready = false
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		resp.Status = StatusUnhealthy
	} else if hasDegraded {
		resp.Status = StatusDegraded
	}

	return resp
}

// ServeHealth handles HTTP liveness requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests. 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// WritableDirChecker verifies a directory exists and accepts writes. The
// daemon registers it over the cache directory, which every flush needs.
type WritableDirChecker struct {
	name string
	path string
}

// NewWritableDirChecker creates a checker for directory writability.
func NewWritableDirChecker(name, path string) *WritableDirChecker {
	return &WritableDirChecker{name: name, path: path}
}

func (c *WritableDirChecker) Name() string {
	return c.name
}

func (c *WritableDirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "directory not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected directory, got file", Message: c.path}
	}

	probe := filepath.Join(c.path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: "directory is not writable", Message: c.path}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: "directory is writable"}
}

// identityProber is the slice of the API client the server checker needs.
type identityProber interface {
	Identity(ctx context.Context) error
}

// serverProbeTimeout bounds the identity call so a hanging server cannot
// stall the probe endpoint.
const serverProbeTimeout = 2 * time.Second

// ServerChecker probes the media server's identity endpoint.
type ServerChecker struct {
	client identityProber
}

// NewServerChecker creates a checker that verifies the media server answers.
func NewServerChecker(client identityProber) *ServerChecker {
	return &ServerChecker{client: client}
}

func (c *ServerChecker) Name() string {
	return "media_server"
}

func (c *ServerChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, serverProbeTimeout)
	defer cancel()

	if err := c.client.Identity(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "identity probe failed"}
	}
	return CheckResult{Status: StatusHealthy, Message: "server reachable"}
}

// LastRepairChecker reports when the last repair sweep completed. It is
// informational: a late sweep degrades, it never makes the daemon unready.
type LastRepairChecker struct {
	interval      time.Duration
	getLastRepair func() time.Time
}

// NewLastRepairChecker creates a checker over the repair loop's last
// completion time.
func NewLastRepairChecker(interval time.Duration, getLastRepair func() time.Time) *LastRepairChecker {
	return &LastRepairChecker{interval: interval, getLastRepair: getLastRepair}
}

func (c *LastRepairChecker) Name() string {
	return "last_repair_sweep"
}

func (c *LastRepairChecker) Check(_ context.Context) CheckResult {
	last := c.getLastRepair()
	if last.IsZero() {
		return CheckResult{Status: StatusHealthy, Message: "no repair sweep completed yet"}
	}

	age := time.Since(last)
	if c.interval > 0 && age > 3*c.interval {
		return CheckResult{Status: StatusDegraded, Message: "repair sweep overdue"}
	}
	return CheckResult{Status: StatusHealthy, Message: "last repair sweep " + age.Round(time.Second).String() + " ago"}
}
