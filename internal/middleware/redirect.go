package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// RedirectToHTTPS returns an Echo middleware that answers every request with a
// 301 to the same URI on the HTTPS port, except for the exempt paths, which are
// served by the next handler.
func RedirectToHTTPS(httpsPort int, exempt ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if skip[req.URL.Path] {
				return next(c)
			}
			return c.Redirect(http.StatusMovedPermanently, HTTPSURL(req, httpsPort))
		}
	}
}

// HTTPSURL builds the https:// equivalent of req on the given port.
// The port is omitted when it is the HTTPS default.
func HTTPSURL(req *http.Request, httpsPort int) string {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		// Bracketed IPv6 literal without a port.
		host = host[1 : len(host)-1]
	}
	if httpsPort != 443 {
		host = net.JoinHostPort(host, strconv.Itoa(httpsPort))
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return "https://" + host + req.URL.RequestURI()
}
