package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
)

// Probe names a health endpoint.
type Probe string

const (
	ProbeAggregate Probe = ""
	ProbeLive      Probe = "live"
	ProbeReady     Probe = "ready"
	ProbeStartup   Probe = "startup"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

var probeTimeouts = map[Probe]time.Duration{
	ProbeAggregate: 5 * time.Second,
	ProbeLive:      2 * time.Second,
	ProbeReady:     5 * time.Second,
	ProbeStartup:   3 * time.Second,
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  string            `json:"timestamp"`
	ActiveRuns *int              `json:"active_runs,omitempty"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// ProbeResponse is the body of the individual probes.
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker is implemented by components with a dependency to verify.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// RunCounter reports scheduler runs still executing.
type RunCounter interface {
	ActiveRuns() int
}

// HealthManager evaluates registered checks for the health endpoints.
// A failing required check makes the service unhealthy; a failing optional
// check only degrades it.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	optional map[string]bool
	runs     RunCounter
	version  string
}

// NewHealthManager returns a manager with no checks.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		optional: make(map[string]bool),
		version:  version,
	}
}

// RegisterChecker adds a required check.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

// RegisterOptional adds a check whose failure degrades but does not fail
// the service.
func (hm *HealthManager) RegisterOptional(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

// SetRunCounter reports active runs in the aggregate response.
func (hm *HealthManager) SetRunCounter(counter RunCounter) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.runs = counter
}

func (hm *HealthManager) register(name string, checker HealthChecker, optional bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
	hm.optional[name] = optional
}

// Handler serves one probe.
func (hm *HealthManager) Handler(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm.serve(w, r, probe)
	}
}

func (hm *HealthManager) serve(w http.ResponseWriter, r *http.Request, probe Probe) {
	timeout, ok := probeTimeouts[probe]
	if !ok {
		timeout = probeTimeouts[ProbeAggregate]
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.evaluate(ctx, probe)
	status := hm.overallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, healthEnvelope(probe, status, checks))
		return
	}

	now := time.Now().UTC()
	if probe != ProbeAggregate {
		writeJSON(w, http.StatusOK, ProbeResponse{Status: status, Timestamp: now})
		return
	}

	resp := HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: now.Format(time.RFC3339),
		Checks:    checks,
	}
	hm.mu.RLock()
	if hm.runs != nil {
		active := hm.runs.ActiveRuns()
		resp.ActiveRuns = &active
	}
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

// evaluate runs the checks in name order. Liveness skips them: a process
// that answers is alive even when a dependency is down.
func (hm *HealthManager) evaluate(ctx context.Context, probe Probe) map[string]string {
	if probe == ProbeLive {
		return nil
	}

	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = statusTimeout
			continue
		}
		if err := checkers[name].CheckHealth(ctx); err != nil {
			checks[name] = statusUnhealthy
			continue
		}
		checks[name] = statusHealthy
	}
	return checks
}

func (hm *HealthManager) overallStatus(checks map[string]string) string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := statusHealthy
	for name, result := range checks {
		switch result {
		case statusHealthy:
		case statusUnhealthy:
			if !hm.optional[name] {
				return statusUnhealthy
			}
			status = statusDegraded
		default:
			status = statusDegraded
		}
	}
	return status
}

func healthEnvelope(probe Probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	message := "aggregate health check failed"
	if probe != ProbeAggregate {
		message = fmt.Sprintf("%s probe failed", probe)
	}
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message)

	details := map[string]interface{}{"status": status}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != ProbeAggregate {
		details["probe"] = string(probe)
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for name, result := range checks {
		if result != statusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	contextData := map[string]interface{}{"status": status}
	if len(failing) > 0 {
		contextData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the manager behind the package-level probes.
func InitHealthManager(version string) *HealthManager {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the installed manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

// ProbeHandler serves probe from the installed manager and reports the
// service unavailable until one is installed.
func ProbeHandler(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := GetHealthManager(); hm != nil {
			hm.serve(w, r, probe)
			return
		}
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized").
			WithDetails(map[string]interface{}{"status": "unknown", "probe": string(probe)})
		respondWithError(w, r, envelope)
	}
}
