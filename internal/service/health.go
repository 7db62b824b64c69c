package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"inference-proxy/internal/client"
	"inference-proxy/internal/config"
	"inference-proxy/internal/metrics"
	"inference-proxy/internal/model"
)

// HealthMonitor probes the upstream liveness path.
type HealthMonitor struct {
	client  *client.UpstreamClient
	path    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHealthMonitor creates a HealthMonitor. The metrics parameter is optional.
func NewHealthMonitor(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HealthMonitor {
	return &HealthMonitor{
		client:  c,
		path:    cfg.Upstream.HealthPath,
		timeout: time.Duration(cfg.Upstream.HealthTimeoutSeconds) * time.Second,
		logger:  logger.With("component", "health_monitor"),
		metrics: m,
	}
}

// Probe returns a fresh verdict for the upstream. Failures are reported in the
// verdict, never as an error.
func (h *HealthMonitor) Probe(ctx context.Context) model.HealthVerdict {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	v := h.verdict(h.client.Probe(ctx, h.path))
	if !v.Healthy() {
		h.logger.Warn("upstream health probe failed",
			"verdict", string(v.Kind),
			"status", v.StatusCode,
			"reason", v.Reason,
		)
	}
	if h.metrics != nil {
		h.metrics.HealthVerdicts.WithLabelValues(string(v.Kind)).Inc()
	}
	return v
}

func (h *HealthMonitor) verdict(status int, err error) model.HealthVerdict {
	switch {
	case err == nil && status == http.StatusOK:
		return model.HealthVerdict{Kind: model.VerdictHealthy, StatusCode: status}
	case err == nil:
		return model.HealthVerdict{
			Kind:       model.VerdictUnhealthy,
			StatusCode: status,
			Reason:     http.StatusText(status),
		}
	case errors.Is(err, client.ErrUpstreamTimeout):
		return model.HealthVerdict{Kind: model.VerdictTimeout, Reason: "no response within " + h.timeout.String()}
	default:
		return model.HealthVerdict{Kind: model.VerdictUnreachable, Reason: err.Error()}
	}
}
