// Package health runs component checks and answers readiness.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnknown   HealthStatus = "unknown"
)

const DefaultCheckTimeout = 10 * time.Second

// HealthCheck is one named component probe. A critical check that is not
// healthy makes the whole service not ready.
type HealthCheck struct {
	Name        string                                      `json:"name"`
	Description string                                      `json:"description"`
	CheckFunc   func(context.Context) (HealthStatus, error) `json:"-"`
	Timeout     time.Duration                               `json:"timeout"`
	Critical    bool                                        `json:"critical"`
}

type HealthResult struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

type HealthReport struct {
	Status      HealthStatus             `json:"status"`
	Ready       bool                     `json:"ready"`
	Timestamp   time.Time                `json:"timestamp"`
	Duration    time.Duration            `json:"duration"`
	Version     string                   `json:"version,omitempty"`
	ServiceName string                   `json:"service_name,omitempty"`
	Results     map[string]*HealthResult `json:"results"`
	Summary     *HealthSummary           `json:"summary"`
}

type HealthSummary struct {
	Total          int `json:"total"`
	Healthy        int `json:"healthy"`
	Unhealthy      int `json:"unhealthy"`
	Degraded       int `json:"degraded"`
	Unknown        int `json:"unknown"`
	CriticalFailed int `json:"critical_failed"`
}

// HealthChecker manages and executes health checks.
type HealthChecker struct {
	checks      map[string]*HealthCheck
	mutex       sync.RWMutex
	version     string
	serviceName string
	timeout     time.Duration
	now         func() time.Time
}

func NewHealthChecker(serviceName, version string) *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]*HealthCheck),
		serviceName: serviceName,
		version:     version,
		timeout:     DefaultCheckTimeout,
		now:         time.Now,
	}
}

// SetTimeout sets the timeout applied to checks registered without one.
func (hc *HealthChecker) SetTimeout(timeout time.Duration) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	hc.timeout = timeout
}

func (hc *HealthChecker) RegisterCheck(check *HealthCheck) error {
	if check == nil {
		return fmt.Errorf("health check cannot be nil")
	}
	if check.Name == "" {
		return fmt.Errorf("health check name cannot be empty")
	}
	if check.CheckFunc == nil {
		return fmt.Errorf("health check function cannot be nil")
	}

	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	if check.Timeout == 0 {
		check.Timeout = hc.timeout
	}
	hc.checks[check.Name] = check
	return nil
}

// Names lists registered checks, sorted.
func (hc *HealthChecker) Names() []string {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()
	out := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckHealth runs every check concurrently.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *HealthReport {
	start := hc.now()

	hc.mutex.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mutex.RUnlock()

	results := make(map[string]*HealthResult, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := hc.executeCheck(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	summary := summarize(results)
	return &HealthReport{
		Status:      overallStatus(results),
		Ready:       len(results) > 0 && summary.CriticalFailed == 0,
		Timestamp:   hc.now(),
		Duration:    hc.now().Sub(start),
		Version:     hc.version,
		ServiceName: hc.serviceName,
		Results:     results,
		Summary:     summary,
	}
}

// Ready reports whether every critical check is healthy.
func (hc *HealthChecker) Ready(ctx context.Context) bool {
	return hc.CheckHealth(ctx).Ready
}

func (hc *HealthChecker) executeCheck(ctx context.Context, check *HealthCheck) *HealthResult {
	start := hc.now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	status, err := check.CheckFunc(checkCtx)
	result := &HealthResult{
		Name:      check.Name,
		Status:    status,
		Duration:  hc.now().Sub(start),
		Timestamp: start,
		Critical:  check.Critical,
	}
	if err != nil {
		result.Error = err.Error()
		result.Message = fmt.Sprintf("Health check failed: %v", err)
		if result.Status == StatusHealthy || result.Status == "" {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

func summarize(results map[string]*HealthResult) *HealthSummary {
	summary := &HealthSummary{}
	for _, result := range results {
		summary.Total++
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusUnhealthy:
			summary.Unhealthy++
		case StatusDegraded:
			summary.Degraded++
		default:
			summary.Unknown++
		}
		if result.Critical && result.Status != StatusHealthy {
			summary.CriticalFailed++
		}
	}
	return summary
}

func overallStatus(results map[string]*HealthResult) HealthStatus {
	if len(results) == 0 {
		return StatusUnknown
	}
	degraded := false
	for _, result := range results {
		if result.Status == StatusHealthy {
			continue
		}
		if result.Critical {
			return StatusUnhealthy
		}
		degraded = true
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// ComponentCheck probes a component with ping.
func ComponentCheck(name, description string, critical bool, ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:        name,
		Description: description,
		Critical:    critical,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			if err := ping(ctx); err != nil {
				return StatusUnhealthy, err
			}
			return StatusHealthy, nil
		},
	}
}

// InitializationCheck reports a one-time startup outcome. A non-nil err keeps
// the check unhealthy for the life of the process.
func InitializationCheck(name, description string, err error) *HealthCheck {
	return ComponentCheck(name, description, true, func(context.Context) error { return err })
}

// HealthEndpoint serves /health, /health/live and /health/ready.
type HealthEndpoint struct {
	checker *HealthChecker
	mux     *http.ServeMux
}

func NewHealthEndpoint(checker *HealthChecker) *HealthEndpoint {
	he := &HealthEndpoint{checker: checker, mux: http.NewServeMux()}
	he.mux.HandleFunc("GET /health", he.handleHealth)
	he.mux.HandleFunc("GET /health/live", he.handleLiveness)
	he.mux.HandleFunc("GET /health/ready", he.handleReadiness)
	return he
}

func (he *HealthEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	he.mux.ServeHTTP(w, r)
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := he.checker.CheckHealth(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := he.checker.CheckHealth(r.Context())
	if report.Ready {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":          "not_ready",
		"critical_failed": report.Summary.CriticalFailed,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
