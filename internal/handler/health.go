package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"inference-proxy/internal/config"
	"inference-proxy/internal/model"
	"inference-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the health and info endpoints.
type HealthHandler struct {
	cfg     *config.Config
	monitor *service.HealthMonitor
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, monitor *service.HealthMonitor, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, monitor: monitor, version: v, now: time.Now}
}

// Health probes the upstream and reports 200 only when it is healthy.
func (h *HealthHandler) Health(c echo.Context) error {
	v := h.monitor.Probe(c.Request().Context())

	body := map[string]any{
		"upstream": string(v.Kind),
	}
	if v.StatusCode != 0 {
		body["upstream_status"] = v.StatusCode
	}

	if v.Healthy() {
		body["status"] = "ok"
		return c.JSON(http.StatusOK, body)
	}

	body["status"] = "error"
	body["error"] = verdictMessage(v)
	if v.Reason != "" {
		body["details"] = v.Reason
	}
	return c.JSON(http.StatusServiceUnavailable, body)
}

func verdictMessage(v model.HealthVerdict) string {
	switch v.Kind {
	case model.VerdictUnhealthy:
		return "upstream service unhealthy"
	case model.VerdictTimeout:
		return "upstream health check timed out"
	default:
		return "upstream service unreachable"
	}
}

// Info returns static proxy information without contacting the upstream.
func (h *HealthHandler) Info(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message":   "Inference API proxy",
		"version":   string(h.version),
		"model":     h.cfg.Model.ID,
		"timestamp": h.now().UTC().Format(isoMillis),
	})
}
