package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kartstack/payments-bridge/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness gate. Flipping it off during shutdown lets
// load balancers drain the instance before the listener closes.
func SetReady(v bool) { ready.Store(v) }

// Checker probes the dependencies readiness reports on.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler serves the liveness and readiness endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live answers as long as the process is serving requests.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports 200 only when the gate is open and both dependencies answer
// their pings. Failures are reported per dependency.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true
	if err := h.Checker.PingDB(ctx, h.timeout(h.DBTimeout)); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.Checker.PingRedis(ctx, h.timeout(h.RedisTimeout)); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, map[string]any{"status": statusWord(healthy), "checks": checks})
}

func (h Handler) timeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return 500 * time.Millisecond
}

func statusWord(healthy bool) string {
	if healthy {
		return "ready"
	}
	return "degraded"
}
