// Package server owns the HTTP and HTTPS listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"inference-proxy/internal/config"
	"inference-proxy/internal/handler"
	"inference-proxy/internal/metrics"
	"inference-proxy/internal/middleware"
	"inference-proxy/internal/tlscert"
)

// ErrListenerBind is returned when no listener could be bound at all.
var ErrListenerBind = errors.New("listener bind failed")

// State describes which listeners are serving.
type State int

const (
	StateUnstarted State = iota
	StatePlainOnly
	StateDualWithRedirect
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePlainOnly:
		return "plain_only"
	case StateDualWithRedirect:
		return "dual_with_redirect"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager brings up either a single plaintext listener serving the API, or an
// HTTPS listener serving the API plus a plaintext listener that redirects to it.
type Manager struct {
	cfg     config.ListenerConfig
	app     http.Handler
	health  echo.HandlerFunc
	logger  *slog.Logger
	base    *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	servers    []*http.Server
	plainAddr  net.Addr
	secureAddr net.Addr
	stopWatch  context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a Manager. The metrics parameter is optional.
func NewManager(cfg *config.Config, app *echo.Echo, health *handler.HealthHandler, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg.Listener(),
		app:     app,
		health:  health.Health,
		logger:  logger.With("component", "listener_manager"),
		base:    logger,
		metrics: m,
	}
}

// Start binds the listeners and begins serving in the background.
//
// With TLS enabled, any certificate or bind failure on the HTTPS path is logged
// and the manager falls back to plaintext. ErrListenerBind is returned only when
// the plaintext listener cannot be bound either.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUnstarted {
		return fmt.Errorf("listener manager already started (%s)", m.state)
	}

	if m.cfg.UseTLS {
		err := m.startDual()
		if err == nil {
			m.setState(StateDualWithRedirect)
			return nil
		}
		m.logger.WarnContext(ctx, "HTTPS setup failed, falling back to plain HTTP",
			"err", err,
			"cert_file", m.cfg.CertFile,
			"key_file", m.cfg.KeyFile,
			"secure_addr", m.cfg.SecureAddr(),
		)
	}

	ln, err := net.Listen("tcp", m.cfg.PlainAddr())
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("%w: %s: %w", ErrListenerBind, m.cfg.PlainAddr(), err)
	}
	m.plainAddr = ln.Addr()
	m.serve(newHTTPServer(m.app), ln, false)
	m.setState(StatePlainOnly)

	m.logger.InfoContext(ctx, "serving plain HTTP", "addr", ln.Addr().String())
	return nil
}

func (m *Manager) startDual() error {
	reloader := tlscert.NewReloader(m.cfg.CertFile, m.cfg.KeyFile, m.base)
	if err := reloader.Load(); err != nil {
		return err
	}

	secureLn, err := net.Listen("tcp", m.cfg.SecureAddr())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrListenerBind, m.cfg.SecureAddr(), err)
	}
	plainLn, err := net.Listen("tcp", m.cfg.PlainAddr())
	if err != nil {
		_ = secureLn.Close()
		return fmt.Errorf("%w: %s: %w", ErrListenerBind, m.cfg.PlainAddr(), err)
	}

	// Redirects must name the port actually bound, which differs from the
	// configured one when that is 0.
	securePort := secureLn.Addr().(*net.TCPAddr).Port

	secure := newHTTPServer(m.app)
	secure.TLSConfig = reloader.TLSConfig()

	m.secureAddr = secureLn.Addr()
	m.plainAddr = plainLn.Addr()
	m.serve(secure, secureLn, true)
	m.serve(newHTTPServer(m.redirectHandler(securePort)), plainLn, false)

	if m.cfg.WatchCerts {
		watchCtx, cancel := context.WithCancel(context.Background())
		m.stopWatch = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := reloader.Watch(watchCtx); err != nil {
				m.logger.Error("certificate watcher stopped", "err", err)
			}
		}()
	}

	m.logger.Info("serving HTTPS with plain HTTP redirect",
		"secure_addr", secureLn.Addr().String(),
		"plain_addr", plainLn.Addr().String(),
	)
	return nil
}

// redirectHandler answers /health directly and redirects everything else.
func (m *Manager) redirectHandler(securePort int) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(m.base))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RedirectToHTTPS(securePort, "/health"))
	e.GET("/health", m.health)
	return e
}

func (m *Manager) serve(srv *http.Server, ln net.Listener, useTLS bool) {
	m.servers = append(m.servers, srv)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server error", "addr", ln.Addr().String(), "err", err)
		}
	}()
}

// Shutdown gracefully stops every listener and the certificate watcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "shutting down listeners", "count", len(servers))

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// State returns the current listener state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PlainAddr returns the bound plaintext address, or "" when not listening.
func (m *Manager) PlainAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plainAddr == nil {
		return ""
	}
	return m.plainAddr.String()
}

// SecureAddr returns the bound HTTPS address, or "" when not listening.
func (m *Manager) SecureAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secureAddr == nil {
		return ""
	}
	return m.secureAddr.String()
}

func (m *Manager) setState(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.ListenerState.Set(float64(s))
	}
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler: h,
		// Inbound timeouts to mitigate slow-client attacks.
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays 0 so long streamed completions are not cut off.
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
