package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealthAllOK(t *testing.T) {
	m := newTestManager()
	m.Register(&stubChecker{name: "clock"})
	h := NewHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Contains(t, resp.Checks, "clock")
	assert.NotEmpty(t, resp.Uptime)
}

func TestHandleHealthDownIs503(t *testing.T) {
	m := newTestManager()
	m.Register(&stubChecker{name: "registry", err: fmt.Errorf("gone")})
	h := NewHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthDegradedStays200(t *testing.T) {
	m := newTestManager()
	m.Register(&stubChecker{name: "memory", err: Degraded("near limit")})
	h := NewHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestHandleReadyUsesCachedResults(t *testing.T) {
	m := newTestManager()
	checker := &stubChecker{name: "clock"}
	m.Register(checker)
	m.RunChecks(context.Background())
	before := checker.calls.Load()

	h := NewHandler(m)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.HandleReady(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before, checker.calls.Load())
}

func TestHandleReadyNoResultsIs503(t *testing.T) {
	h := NewHandler(newTestManager())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.HandleReady(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleLive(t *testing.T) {
	h := NewHandler(newTestManager())

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.HandleLive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "1h2m3s", formatUptime(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "2d1h0m0s", formatUptime(49*time.Hour))
}
