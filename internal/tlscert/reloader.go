// Package tlscert loads the HTTPS certificate pair and reloads it when the files change.
package tlscert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrCertificateLoad is returned when the certificate or key cannot be loaded.
var ErrCertificateLoad = errors.New("certificate load failed")

// Reloader serves the current certificate to TLS handshakes.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	cert atomic.Pointer[tls.Certificate]
}

// NewReloader creates a Reloader for the given PEM files. Nothing is read until Load.
func NewReloader(certFile, keyFile string, logger *slog.Logger) *Reloader {
	return &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger.With("component", "tls_reloader"),
	}
}

// Load reads the certificate pair from disk and makes it current.
func (r *Reloader) Load() error {
	if r.certFile == "" || r.keyFile == "" {
		return fmt.Errorf("%w: certificate and key paths are required", ErrCertificateLoad)
	}

	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateLoad, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("%w: parse leaf: %w", ErrCertificateLoad, err)
	}
	cert.Leaf = leaf

	r.cert.Store(&cert)
	r.logger.Info("certificate loaded",
		"cert_file", r.certFile,
		"subject", leaf.Subject.CommonName,
		"expires_at", leaf.NotAfter.Format(time.RFC3339),
	)
	return nil
}

// Current returns the loaded certificate, or nil before the first successful Load.
func (r *Reloader) Current() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, ErrCertificateLoad
	}
	return cert, nil
}

// TLSConfig returns a server TLS configuration backed by the reloader.
func (r *Reloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// Watch reloads the pair whenever either file changes, until ctx is done.
// The parent directories are watched so atomic renames (e.g. Kubernetes secret
// updates) are seen. A failed reload keeps the previous certificate.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]bool{
		filepath.Dir(r.certFile): true,
		filepath.Dir(r.keyFile):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	certName := filepath.Clean(r.certFile)
	keyName := filepath.Clean(r.keyFile)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			name := filepath.Clean(event.Name)
			if name != certName && name != keyName && !isDataSwap(event) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Load(); err != nil {
				// The pair is often written one file at a time; the next event retries.
				r.logger.Warn("certificate reload failed, keeping previous certificate",
					"err", err,
					"op", event.Op.String(),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			r.logger.Error("certificate watcher error", "err", err)
		}
	}
}

// isDataSwap matches the "..data" symlink swap used by Kubernetes projected volumes.
func isDataSwap(event fsnotify.Event) bool {
	return filepath.Base(event.Name) == "..data"
}
