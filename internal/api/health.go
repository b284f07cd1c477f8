package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
)

const healthCheckTimeout = 2 * time.Second

// Health is the body of GET /api/v1/health.
type Health struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Session    cloud.Status      `json:"session"`
	Components map[string]string `json:"components"`
}

// handleHealth reports the session and infrastructure health.
// Anything short of a live session with healthy components is degraded
// and answered with 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	h := Health{
		Status:     "ok",
		Version:    s.version,
		Session:    s.session.Status(),
		Components: make(map[string]string),
	}
	if h.Session.State != cloud.StateLive.String() {
		h.Status = "degraded"
	}

	for name, c := range map[string]HealthChecker{"mqtt": s.mqtt, "influxdb": s.influx} {
		if c == nil {
			h.Components[name] = "disabled"
			continue
		}
		if err := c.HealthCheck(ctx); err != nil {
			h.Components[name] = err.Error()
			h.Status = "degraded"
			continue
		}
		h.Components[name] = "ok"
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
