package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inference-proxy/internal/config"
	"inference-proxy/internal/metrics"
)

// passthroughRoutes are POST routes forwarded to the same upstream path untouched.
var passthroughRoutes = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
	"/tokenize",
	"/detokenize",
	"/score",
	"/v1/score",
	"/rerank",
	"/v1/rerank",
	"/v2/rerank",
	"/invocations",
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, v Version, proxy *ProxyHandler, health *HealthHandler, legacy *LegacyHandler) {
	e.GET("/health", health.Health)
	e.GET("/", health.Info)

	e.GET("/v1/models", proxy.Route("/v1/models", nil))
	e.GET("/version", proxy.Route("/version", InjectVersion(v)))
	for _, path := range passthroughRoutes {
		e.POST(path, proxy.Route(path, nil))
	}

	e.POST("/api/infer", legacy.Infer)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
