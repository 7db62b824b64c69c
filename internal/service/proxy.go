// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"inference-proxy/internal/client"
	"inference-proxy/internal/config"
	"inference-proxy/internal/model"
)

// ProxyService classifies inbound requests and forwards them upstream.
type ProxyService struct {
	client  *client.UpstreamClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:  c,
		timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:  logger.With("component", "proxy_service"),
	}
}

// Prepare classifies an inbound request for the given upstream path.
//
// An empty body is sent as GET and anything else as POST, whatever method the
// client used. Streaming is decided here, once, from the body's "stream" flag.
func (s *ProxyService) Prepare(ctx context.Context, path, rawQuery string, header http.Header, body []byte) *model.ProxyRequest {
	pr := &model.ProxyRequest{
		Ctx:      ctx,
		Method:   http.MethodGet,
		Path:     path,
		RawQuery: rawQuery,
		Header:   forwardRequestHeaders(header),
	}
	if len(body) > 0 {
		pr.Method = http.MethodPost
		pr.Body = body
		pr.Streaming = isStreaming(body)
	}
	return pr
}

// isStreaming reports whether a JSON body carries a truthy top-level "stream"
// field. Truthiness follows JavaScript: false, null, 0 and "" are falsy and
// every other value, including {} and [], is truthy.
func isStreaming(body []byte) bool {
	v := gjson.GetBytes(body, "stream")
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		return v.Str != ""
	default:
		return false
	}
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Buffered requests get a deadline covering the whole exchange, body included.
// Streaming requests live as long as the inbound request context, but are torn
// down when the upstream sends nothing for the upstream timeout.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if !pr.Streaming && s.timeout > 0 {
		ctx, cancel = context.WithTimeout(pr.Ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(pr.Ctx)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"streaming", pr.Streaming,
	)

	resp, err := s.client.Do(ctx, pr.Method, pr.Path, pr.RawQuery, pr.Header, pr.Body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if pr.Streaming && s.timeout > 0 {
		resp.Body = s.idleTimeoutBody(resp.Body, pr.Path, cancel)
	} else {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// cancelOnClose releases the request deadline once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleBody cancels the upstream request when no bytes arrive for timeout.
// Every successful read re-arms the timer.
type idleBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func (s *ProxyService) idleTimeoutBody(rc io.ReadCloser, path string, cancel context.CancelFunc) *idleBody {
	return &idleBody{
		ReadCloser: rc,
		timeout:    s.timeout,
		cancel:     cancel,
		timer: time.AfterFunc(s.timeout, func() {
			s.logger.Warn("upstream stream idle, closing",
				"path", path,
				"idle_timeout", s.timeout.String(),
			)
			cancel()
		}),
	}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
