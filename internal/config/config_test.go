package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
http_port = 9000
https_port = 9443
body_max_bytes = 5242880

[tls]
enabled = true
cert_file = "/tmp/tls.crt"
key_file = "/tmp/tls.key"

[upstream]
host = "vllm"
port = 8001
timeout_seconds = 60
idle_connections = 50
health_path = "/ping"

[model]
id = "org/model"
max_tokens = 128

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.HTTPPort != 9000 || cfg.Server.HTTPSPort != 9443 {
		t.Errorf("ports = %d/%d, want 9000/9443", cfg.Server.HTTPPort, cfg.Server.HTTPSPort)
	}
	if !cfg.TLS.Enabled || cfg.TLS.CertFile != "/tmp/tls.crt" || cfg.TLS.KeyFile != "/tmp/tls.key" {
		t.Errorf("TLS = %+v", cfg.TLS)
	}
	if got := cfg.Upstream.Addr(); got != "vllm:8001" {
		t.Errorf("Upstream.Addr() = %q, want %q", got, "vllm:8001")
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Upstream.HealthPath != "/ping" {
		t.Errorf("Upstream.HealthPath = %q, want %q", cfg.Upstream.HealthPath, "/ping")
	}
	if cfg.Model.ID != "org/model" || cfg.Model.MaxTokens != 128 {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Host", cfg.Server.Host, "0.0.0.0"},
		{"Server.HTTPPort", cfg.Server.HTTPPort, 8080},
		{"Server.HTTPSPort", cfg.Server.HTTPSPort, 8443},
		{"Server.BodyMaxBytes", cfg.Server.BodyMaxBytes, int64(10 * 1024 * 1024)},
		{"TLS.Enabled", cfg.TLS.Enabled, false},
		{"TLS.CertFile", cfg.TLS.CertFile, "/etc/inference-proxy/tls/tls.crt"},
		{"TLS.KeyFile", cfg.TLS.KeyFile, "/etc/inference-proxy/tls/tls.key"},
		{"Upstream.Host", cfg.Upstream.Host, "localhost"},
		{"Upstream.Port", cfg.Upstream.Port, 8000},
		{"Upstream.TimeoutSeconds", cfg.Upstream.TimeoutSeconds, 300},
		{"Upstream.HealthPath", cfg.Upstream.HealthPath, "/health"},
		{"Upstream.HealthTimeoutSeconds", cfg.Upstream.HealthTimeoutSeconds, 5},
		{"Model.ID", cfg.Model.ID, "meta-llama/Llama-3.2-1B-Instruct"},
		{"Model.MaxTokens", cfg.Model.MaxTokens, 512},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "json"},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("default %s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	orig := configSearchPaths
	configSearchPaths = []string{filepath.Join(t.TempDir(), "absent.toml")}
	defer func() { configSearchPaths = orig }()

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.filePath != "" {
		t.Errorf("filePath = %q, want empty", cfg.filePath)
	}
	if cfg.Upstream.Addr() != "localhost:8000" {
		t.Errorf("Upstream.Addr() = %q, want localhost:8000", cfg.Upstream.Addr())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, "[server\nhost = ")))
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
http_port = 8000

[upstream]
host = "toml-host"

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		Host:         "127.0.0.1",
		HTTPPort:     3000,
		HTTPSPort:    3443,
		UseHTTPS:     "true",
		CertFile:     "/certs/a.crt",
		KeyFile:      "/certs/a.key",
		UpstreamHost: "cli-host",
		UpstreamPort: 9001,
		ModelID:      "cli/model",
		MaxTokens:    32,
		LogLevel:     "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	l := cfg.Listener()
	want := ListenerConfig{
		Host:       "127.0.0.1",
		PlainPort:  3000,
		SecurePort: 3443,
		CertFile:   "/certs/a.crt",
		KeyFile:    "/certs/a.key",
		UseTLS:     true,
		WatchCerts: true,
	}
	if l != want {
		t.Errorf("Listener() = %+v, want %+v", l, want)
	}
	if cfg.Upstream.Addr() != "cli-host:9001" {
		t.Errorf("Upstream.Addr() = %q, want %q (CLI override)", cfg.Upstream.Addr(), "cli-host:9001")
	}
	if cfg.Model.ID != "cli/model" || cfg.Model.MaxTokens != 32 {
		t.Errorf("Model = %+v (CLI override)", cfg.Model)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_UseHTTPSValues(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"1", true, false},
		{"TRUE", true, false},
		{"false", false, false},
		{"0", false, false},
		{"yes", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg, err := Load(&CLI{Config: writeConfig(t, ""), UseHTTPS: tt.value})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.TLS.Enabled != tt.want {
				t.Errorf("TLS.Enabled = %v, want %v", cfg.TLS.Enabled, tt.want)
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"invalid log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"negative http port", "[server]\nhttp_port = -1\n", "server.http_port"},
		{"port too large", "[upstream]\nport = 70000\n", "upstream.port"},
		{"negative body limit", "[server]\nbody_max_bytes = -1\n", "body_max_bytes"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -5\n", "timeout_seconds"},
		{"negative max tokens", "[model]\nmax_tokens = -1\n", "max_tokens"},
		{"health path without slash", "[upstream]\nhealth_path = \"health\"\n", "health_path"},
		{"same ports with tls", "[tls]\nenabled = true\n[server]\nhttp_port = 8443\n", "must differ"},
		{"rate limit without rps", "[server.rate_limit]\nenabled = true\n", "requests_per_second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_SamePortsWithoutTLS(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, "[server]\nhttp_port = 8443\n")))
	if err != nil {
		t.Errorf("Load() error = %v, want nil when TLS is disabled", err)
	}
}

func TestLoad_RateLimitConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 25.5
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.RequestsPerSecond != 25.5 {
		t.Errorf("RateLimit = %+v", cfg.Server.RateLimit)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"custom path", "/internal/metrics", ""},
		{"no leading slash", "metrics", "must start with '/'"},
		{"root", "/", "conflicts"},
		{"health", "/health", "conflicts"},
		{"under v1", "/v1/metrics", "conflicts"},
		{"legacy route", "/api/infer", "conflicts"},
		{"shares prefix only", "/v1metrics", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, "[metrics]\nenabled = true\npath = \""+tt.path+"\"\n")))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				if cfg.Metrics.Path != tt.path {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.path)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, "[metrics]\nenabled = false\npath = \"/health\"\n")))
	if err != nil {
		t.Errorf("Load() error = %v, want nil when metrics are disabled", err)
	}
}

func TestListenerConfig_Addrs(t *testing.T) {
	l := ListenerConfig{Host: "::1", PlainPort: 80, SecurePort: 443}
	if got := l.PlainAddr(); got != "[::1]:80" {
		t.Errorf("PlainAddr() = %q, want %q", got, "[::1]:80")
	}
	if got := l.SecureAddr(); got != "[::1]:443" {
		t.Errorf("SecureAddr() = %q, want %q", got, "[::1]:443")
	}
}

func TestListener_DisableWatch(t *testing.T) {
	cfg := &Config{TLS: TLSConfig{Enabled: true, DisableWatch: true}}
	if cfg.Listener().WatchCerts {
		t.Error("WatchCerts = true, want false when disable_watch is set")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)
	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte("[upstream]\nhost = \"vllm\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}
