package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"inference-proxy/internal/client"
	"inference-proxy/internal/metrics"
	"inference-proxy/internal/model"
	"inference-proxy/internal/service"
)

// ProxyHandler forwards API requests to the upstream inference service.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Route returns a handler that forwards to upstreamPath, applying transform to
// buffered JSON responses. A nil transform passes bodies through unchanged.
func (h *ProxyHandler) Route(upstreamPath string, transform model.TransformFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			// BodyLimit reports oversized bodies as *echo.HTTPError (413).
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return h.mapError(c, upstreamPath, err)
		}
		return h.Forward(c, upstreamPath, c.Request().Header, body, transform)
	}
}

// Forward sends body to upstreamPath with the given headers and relays the
// response to the client. Every failure is answered here, so the returned error is always nil unless
// writing the error response itself fails.
func (h *ProxyHandler) Forward(c echo.Context, upstreamPath string, header http.Header, body []byte, transform model.TransformFunc) error {
	req := c.Request()
	pr := h.service.Prepare(req.Context(), upstreamPath, req.URL.RawQuery, header, body)

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, upstreamPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if pr.Streaming {
		return h.stream(c, resp)
	}
	return h.buffered(c, upstreamPath, resp, transform)
}

// stream relays the upstream body chunk by chunk. Once the status line is
// written no error body can be sent; a failure just ends the response.
func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) error {
	service.CopyResponseHeaders(c.Response().Header(), resp.Header, false)
	c.Response().WriteHeader(resp.StatusCode)
	h.countRelay("stream")

	n, err := service.Stream(c.Response(), resp.Body)
	if err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
			"bytes", n,
		)
	}
	return nil
}

func (h *ProxyHandler) buffered(c echo.Context, upstreamPath string, resp *model.ProxyResponse, transform model.TransformFunc) error {
	body, err := service.Buffer(resp.Body, transform)
	if err != nil {
		return h.mapError(c, upstreamPath, err)
	}

	service.CopyResponseHeaders(c.Response().Header(), resp.Header, true)
	h.countRelay("buffered")

	if len(body) == 0 {
		return c.NoContent(resp.StatusCode)
	}
	return c.JSONBlob(resp.StatusCode, body)
}

func (h *ProxyHandler) countRelay(mode string) {
	if h.metrics != nil {
		h.metrics.RelayedResponses.WithLabelValues(mode).Inc()
	}
}

func (h *ProxyHandler) mapError(c echo.Context, upstreamPath string, err error) error {
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client disconnected",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
		"upstream_path", upstreamPath,
	)

	switch {
	case errors.Is(err, client.ErrUpstreamUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "upstream service unavailable",
			"path":  upstreamPath,
		})
	case errors.Is(err, client.ErrUpstreamTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
			"path":  upstreamPath,
		})
	case errors.Is(err, service.ErrMalformedUpstreamBody):
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "failed to parse upstream response",
			"details": err.Error(),
			"path":    upstreamPath,
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
			"path":  upstreamPath,
		})
	}
}
