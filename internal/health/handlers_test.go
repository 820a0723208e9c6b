package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/health"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

func readyResponse(t *testing.T, checker health.Checker) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	handler := health.Handler{Checker: checker}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestLive(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyAllHealthy(t *testing.T) {
	rr, body := readyResponse(t, stubChecker{})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ready", body["status"])
}

func TestReadyReportsFailingDependency(t *testing.T) {
	rr, body := readyResponse(t, stubChecker{redisErr: errors.New("connection refused")})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "degraded", body["status"])

	checks := body["checks"].(map[string]any)
	require.Equal(t, "ok", checks["database"])
	require.Equal(t, "connection refused", checks["redis"])
}

func TestReadyWithoutChecker(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
