package handlers

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

	apperrors "github.com/3leaps/goingest/internal/errors"
)

func checker(err error) HealthCheckerFunc {
	return func(context.Context) error { return err }
}

func serveHealth(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandler_Healthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("state_db", checker(nil))
	m.RegisterChecker("identity", checker(nil))

	rec := serveHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"state_db": StatusHealthy, "identity": StatusHealthy}, resp.Checks)
}

func TestHealthHandler_UnhealthyStateDB(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("state_db", checker(errors.New("database is locked")))
	m.RegisterChecker("signals", checker(nil))

	rec := serveHealth(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)
	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, checks["state_db"])
	assert.Equal(t, StatusHealthy, checks["signals"])
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestHealthHandler_TimeoutIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	m.timeout = 10 * time.Millisecond
	m.RegisterChecker("state_db", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := serveHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusTimeout, resp.Checks["state_db"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, StatusHealthy, m.determineOverallStatus(nil))
	assert.Equal(t, StatusDegraded, m.determineOverallStatus(map[string]string{"a": StatusHealthy, "b": StatusTimeout}))
	assert.Equal(t, StatusUnhealthy, m.determineOverallStatus(map[string]string{"a": StatusTimeout, "b": StatusUnhealthy}))
}

func TestLivenessAndStartup_SkipCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("state_db", checker(errors.New("down")))

	assert.Equal(t, http.StatusOK, serveHealth(t, m.LivenessHandler, "/health/live").Code)
	assert.Equal(t, http.StatusOK, serveHealth(t, m.StartupHandler, "/health/startup").Code)
}

func TestGlobalHealthManager(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for name, h := range map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	} {
		assert.Equal(t, http.StatusServiceUnavailable, serveHealth(t, h, "/"+name).Code, name)
	}

	InitHealthManager("test-version")
	require.NotNil(t, GetHealthManager())
	for name, h := range map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	} {
		assert.Equal(t, http.StatusOK, serveHealth(t, h, "/"+name).Code, name)
	}
}
