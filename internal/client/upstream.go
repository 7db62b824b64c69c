// Package client provides the HTTP client for the upstream inference service.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inference-proxy/internal/config"
	"inference-proxy/internal/metrics"
	"inference-proxy/internal/model"
)

var (
	// ErrUpstreamUnavailable covers connection refused, DNS failures and resets.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout is returned when the upstream does not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// UpstreamClient sends requests to the fixed upstream host:port.
type UpstreamClient struct {
	httpClient *http.Client
	baseURL    url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The timeout bounds the wait for response headers only. A whole-exchange
// http.Client.Timeout would cut off long streamed generations, so callers put
// their own deadline on the request context: a total one when buffering and an
// idle one between chunks when streaming.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: url.URL{Scheme: "http", Host: cfg.Upstream.Addr()},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do sends one request to the upstream and returns the response as soon as
// its headers arrive. The caller is responsible for closing the response body.
// Canceling ctx (e.g. client disconnect) tears down the upstream connection.
func (c *UpstreamClient) Do(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, rawQuery), rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	// NewRequest derives ContentLength from the reader; the header map must
	// never carry a stale value from the inbound request.
	req.Header.Del("Content-Length")

	c.logger.Debug("upstream request",
		"method", method,
		"path", path,
		"content_length", req.ContentLength,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}

	if err != nil {
		err = Classify(err)
		c.recordError(err)
		return nil, fmt.Errorf("upstream %s %s: %w", method, path, err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Probe issues a bodyless GET to path and returns the upstream status code.
// The response body is drained and closed.
func (c *UpstreamClient) Probe(ctx context.Context, path string) (int, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, "", http.Header{}, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}

func (c *UpstreamClient) url(path, rawQuery string) string {
	u := c.baseURL
	u.Path = path
	u.RawQuery = rawQuery
	return u.String()
}

func (c *UpstreamClient) recordError(err error) {
	if c.metrics == nil {
		return
	}
	class := "other"
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		class = "timeout"
	case errors.Is(err, ErrUpstreamUnavailable):
		class = "unavailable"
	case errors.Is(err, context.Canceled):
		class = "canceled"
	}
	c.metrics.UpstreamErrors.WithLabelValues(class).Inc()
}

// Classify maps a transport or body-read error onto the upstream error taxonomy.
// Caller cancellation is returned unchanged so it is not mistaken for an upstream fault.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
