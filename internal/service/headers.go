package service

import (
	"net/http"
	"strings"
)

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardRequestHeaders copies inbound request headers for the upstream request.
//
// Host and Content-Length are recomputed by the client. Accept-Encoding is dropped
// so the transport negotiates compression itself and hands back decoded JSON.
func forwardRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	copyHeader(dst, src)
	stripHopByHop(dst)
	dst.Del("Host")
	dst.Del("Content-Length")
	dst.Del("Accept-Encoding")
	return dst
}

// CopyResponseHeaders relays upstream response headers onto dst.
//
// Keys are canonical, so matching is case-insensitive; every value of a repeated
// header is kept in order. An upstream header replaces any value the proxy set
// earlier under the same key. Hop-by-hop headers are skipped, and so is
// Content-Length when the body is buffered, since a transform may resize it.
func CopyResponseHeaders(dst, src http.Header, buffered bool) {
	skip := connectionTokens(src)
	for _, h := range hopByHopHeaders {
		skip[h] = true
	}
	if buffered {
		skip["Content-Length"] = true
	}

	for key := range src {
		if key = http.CanonicalHeaderKey(key); !skip[key] {
			dst.Del(key)
		}
	}
	for key, vals := range src {
		if skip[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// stripHopByHop removes hop-by-hop headers, including those named in Connection.
func stripHopByHop(h http.Header) {
	for name := range connectionTokens(h) {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// connectionTokens returns the canonical header names listed in Connection.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				tokens[http.CanonicalHeaderKey(f)] = true
			}
		}
	}
	return tokens
}
