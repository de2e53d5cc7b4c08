package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) (HealthStatus, error) { return StatusHealthy, nil }

func TestRegisterCheckValidation(t *testing.T) {
	checker := NewHealthChecker("medabe", "test")

	assert.Error(t, checker.RegisterCheck(nil))
	assert.Error(t, checker.RegisterCheck(&HealthCheck{CheckFunc: healthy}))
	assert.Error(t, checker.RegisterCheck(&HealthCheck{Name: "x"}))

	check := &HealthCheck{Name: "store", CheckFunc: healthy}
	require.NoError(t, checker.RegisterCheck(check))
	assert.Equal(t, DefaultCheckTimeout, check.Timeout)
	assert.Equal(t, []string{"store"}, checker.Names())
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []*HealthCheck
		wantStatus HealthStatus
		wantReady  bool
	}{
		{
			name:       "no checks",
			wantStatus: StatusUnknown,
		},
		{
			name: "all healthy",
			checks: []*HealthCheck{
				ComponentCheck("store", "", true, func(context.Context) error { return nil }),
				ComponentCheck("metrics", "", false, func(context.Context) error { return nil }),
			},
			wantStatus: StatusHealthy,
			wantReady:  true,
		},
		{
			name: "non-critical failure degrades",
			checks: []*HealthCheck{
				ComponentCheck("store", "", true, func(context.Context) error { return nil }),
				ComponentCheck("metrics", "", false, func(context.Context) error { return errors.New("push failed") }),
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
		},
		{
			name: "failed initialization is not ready",
			checks: []*HealthCheck{
				ComponentCheck("store", "", true, func(context.Context) error { return nil }),
				InitializationCheck("he_backend", "", errors.New("bad parameters")),
			},
			wantStatus: StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewHealthChecker("medabe", "test")
			for _, c := range tt.checks {
				require.NoError(t, checker.RegisterCheck(c))
			}
			report := checker.CheckHealth(context.Background())
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, tt.wantReady, report.Ready)
			assert.Equal(t, tt.wantReady, checker.Ready(context.Background()))
			assert.Len(t, report.Results, len(tt.checks))
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	checker := NewHealthChecker("medabe", "test")
	require.NoError(t, checker.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) (HealthStatus, error) {
			<-ctx.Done()
			return StatusUnknown, ctx.Err()
		},
	}))
	report := checker.CheckHealth(context.Background())
	assert.False(t, report.Ready)
	assert.Contains(t, report.Results["slow"].Error, "deadline exceeded")
	assert.Equal(t, 1, report.Summary.CriticalFailed)
}

func TestHealthEndpoint(t *testing.T) {
	checker := NewHealthChecker("medabe", "test")
	require.NoError(t, checker.RegisterCheck(InitializationCheck("master", "", errors.New("no secret"))))
	srv := httptest.NewServer(NewHealthEndpoint(checker))
	defer srv.Close()

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["status"])
		})
	}
}
