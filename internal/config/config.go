// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/inference-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are path prefixes owned by the proxy's routing table.
var reservedRoutes = []string{
	"/health", "/version", "/v1", "/v2", "/api/infer",
	"/tokenize", "/detokenize", "/score", "/rerank", "/invocations",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	HTTPPort     int    `kong:"name='http-port',help='Plaintext listen port (overrides config).',env='HTTP_PORT'"`
	HTTPSPort    int    `kong:"name='https-port',help='HTTPS listen port (overrides config).',env='HTTPS_PORT'"`
	UseHTTPS     string `kong:"name='use-https',help='Enable the HTTPS listener: true|false (overrides config).',env='USE_HTTPS'"`
	CertFile     string `kong:"name='cert-file',help='TLS certificate path (overrides config).',env='SSL_CERT_PATH'"`
	KeyFile      string `kong:"name='key-file',help='TLS private key path (overrides config).',env='SSL_KEY_PATH'"`
	UpstreamHost string `kong:"name='upstream-host',help='Inference upstream host (overrides config).',env='UPSTREAM_HOST'"`
	UpstreamPort int    `kong:"name='upstream-port',help='Inference upstream port (overrides config).',env='UPSTREAM_PORT'"`
	ModelID      string `kong:"name='model-id',help='Model used by the legacy /api/infer endpoint (overrides config).',env='MODEL_ID'"`
	MaxTokens    int    `kong:"name='max-tokens',help='Token limit used by the legacy /api/infer endpoint (overrides config).',env='MAX_TOKENS'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	TLS      TLSConfig      `toml:"tls"`
	Upstream UpstreamConfig `toml:"upstream"`
	Model    ModelConfig    `toml:"model"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
	useHTTPS string // raw USE_HTTPS override, validated in validate()
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	HTTPPort     int             `toml:"http_port"`  // 0 means "use default" (8080)
	HTTPSPort    int             `toml:"https_port"` // 0 means "use default" (8443)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TLSConfig holds the optional certificate pair for the HTTPS listener.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled"`
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	DisableWatch bool   `toml:"disable_watch"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Host                 string `toml:"host"`
	Port                 int    `toml:"port"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
	IdleConnections      int    `toml:"idle_connections"`
	HealthPath           string `toml:"health_path"`
	HealthTimeoutSeconds int    `toml:"health_timeout_seconds"`
}

// ModelConfig holds the defaults used to translate legacy requests.
type ModelConfig struct {
	ID        string `toml:"id"`
	MaxTokens int    `toml:"max_tokens"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ListenerConfig is the immutable listener layout derived from Config.
type ListenerConfig struct {
	Host       string
	PlainPort  int
	SecurePort int
	CertFile   string
	KeyFile    string
	UseTLS     bool
	WatchCerts bool
}

// Load reads the optional TOML config file and applies CLI/env overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/inference-proxy/config.toml then configs/config.toml. Finding no file is
// not an error: every setting has a default.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.HTTPPort != 0 {
		c.Server.HTTPPort = cli.HTTPPort
	}
	if cli.HTTPSPort != 0 {
		c.Server.HTTPSPort = cli.HTTPSPort
	}
	if cli.UseHTTPS != "" {
		c.useHTTPS = cli.UseHTTPS
		if on, err := strconv.ParseBool(cli.UseHTTPS); err == nil {
			c.TLS.Enabled = on
		}
	}
	if cli.CertFile != "" {
		c.TLS.CertFile = cli.CertFile
	}
	if cli.KeyFile != "" {
		c.TLS.KeyFile = cli.KeyFile
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.ModelID != "" {
		c.Model.ID = cli.ModelID
	}
	if cli.MaxTokens != 0 {
		c.Model.MaxTokens = cli.MaxTokens
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.useHTTPS != "" {
		if _, err := strconv.ParseBool(c.useHTTPS); err != nil {
			return fmt.Errorf("use-https must be a boolean; got %q", c.useHTTPS)
		}
	}

	// Numeric bounds.
	for name, port := range map[string]int{
		"server.http_port":  c.Server.HTTPPort,
		"server.https_port": c.Server.HTTPSPort,
		"upstream.port":     c.Upstream.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0-65535; got %d", name, port)
		}
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.HealthTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.health_timeout_seconds must be non-negative; got %d", c.Upstream.HealthTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.HealthPath != "" && c.Upstream.HealthPath[0] != '/' {
		return fmt.Errorf("upstream.health_path must start with '/'; got %q", c.Upstream.HealthPath)
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must be non-negative; got %d", c.Model.MaxTokens)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.TLS.Enabled {
		plain, secure := orDefault(c.Server.HTTPPort, 8080), orDefault(c.Server.HTTPSPort, 8443)
		if plain == secure {
			return fmt.Errorf("server.http_port and server.https_port must differ when TLS is enabled; both are %d", plain)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.HTTPSPort == 0 {
		c.Server.HTTPSPort = 8443
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.TLS.CertFile == "" {
		c.TLS.CertFile = "/etc/inference-proxy/tls/tls.crt"
	}
	if c.TLS.KeyFile == "" {
		c.TLS.KeyFile = "/etc/inference-proxy/tls/tls.key"
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "localhost"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 8000
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/health"
	}
	if c.Upstream.HealthTimeoutSeconds == 0 {
		c.Upstream.HealthTimeoutSeconds = 5
	}
	if c.Model.ID == "" {
		c.Model.ID = "meta-llama/Llama-3.2-1B-Instruct"
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 512
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Listener returns the listener layout for the Listener Manager.
func (c *Config) Listener() ListenerConfig {
	return ListenerConfig{
		Host:       c.Server.Host,
		PlainPort:  c.Server.HTTPPort,
		SecurePort: c.Server.HTTPSPort,
		CertFile:   c.TLS.CertFile,
		KeyFile:    c.TLS.KeyFile,
		UseTLS:     c.TLS.Enabled,
		WatchCerts: !c.TLS.DisableWatch,
	}
}

// Addr returns the upstream address as host:port.
func (c *UpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PlainAddr returns the plaintext listen address as host:port.
func (l ListenerConfig) PlainAddr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.PlainPort))
}

// SecureAddr returns the HTTPS listen address as host:port.
func (l ListenerConfig) SecureAddr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.SecurePort))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
