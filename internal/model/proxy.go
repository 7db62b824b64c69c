// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request classified for forwarding upstream.
// Streaming is true only when Method is POST and Body declares a truthy stream flag.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	Streaming bool
}

// ProxyResponse represents the upstream response. Header is available as soon as
// the upstream status line arrives; Body is read lazily and cannot be restarted.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// TransformFunc rewrites a buffered upstream JSON body. A nil TransformFunc
// passes the body through unchanged.
type TransformFunc func(body []byte) ([]byte, error)
