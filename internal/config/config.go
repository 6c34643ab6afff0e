// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"risk-gateway/internal/rewrite"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/risk-gateway/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the gateway itself and cannot be shadowed.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamHost string `kong:"help='Upstream host (overrides config).',env='UPSTREAM_HOST'"`
	UpstreamPort int    `kong:"help='Upstream port (overrides config).',env='UPSTREAM_PORT'"`
	RewriteMode  string `kong:"help='Path rewrite mode: strip|keep|readd (overrides config).',env='REWRITE_MODE'"`
	StaticRoot   string `kong:"help='Static asset directory (overrides config).',env='STATIC_ROOT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is read-only once
// Load returns.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Static   StaticConfig   `toml:"static"`
	Status   StatusConfig   `toml:"status"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3004)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig controls cross-origin access to the gateway.
type CORSConfig struct {
	Enabled      bool     `toml:"enabled"`
	AllowOrigins []string `toml:"allow_origins"`
}

// UpstreamConfig holds the fixed backend authority and connection settings.
type UpstreamConfig struct {
	Scheme                       string `toml:"scheme"`
	Host                         string `toml:"host"`
	Port                         int    `toml:"port"`
	ConnectTimeoutSeconds        int    `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"`
	IdleTimeoutSeconds           int    `toml:"idle_timeout_seconds"`
	IdleConnections              int    `toml:"idle_connections"`
}

// ProxyConfig selects which requests are forwarded and how their paths change.
type ProxyConfig struct {
	Prefix        string `toml:"prefix"`
	RewriteMode   string `toml:"rewrite_mode"`
	RewritePrefix string `toml:"rewrite_prefix"`
}

// StaticConfig holds the single-page application settings.
type StaticConfig struct {
	Root         string `toml:"root"`
	Entry        string `toml:"entry"`
	CacheControl string `toml:"cache_control"`
}

// StatusConfig controls the probes reported by /proxy/status.
type StatusConfig struct {
	HealthPath     string          `toml:"health_path"`
	TimeoutSeconds int             `toml:"timeout_seconds"`
	Services       []ServiceConfig `toml:"services"`
}

// ServiceConfig names an extra endpoint probed by /proxy/status.
type ServiceConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// LogConfig holds logging settings. When File is set, output is written to a
// rotating file instead of stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   *bool  `toml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/risk-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.RewriteMode != "" {
		c.Proxy.RewriteMode = cli.RewriteMode
	}
	if cli.StaticRoot != "" {
		c.Static.Root = cli.StaticRoot
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Rewrite mode is an explicit choice; there is no default.
	if c.Proxy.RewriteMode == "" {
		return fmt.Errorf("proxy.rewrite_mode is required (strip, keep or readd)")
	}
	mode, err := rewrite.ParseMode(c.Proxy.RewriteMode)
	if err != nil {
		return fmt.Errorf("proxy.rewrite_mode: %w", err)
	}
	if err := validatePrefix("proxy.prefix", c.Proxy.Prefix); err != nil {
		return err
	}
	if err := validatePrefix("proxy.rewrite_prefix", c.Proxy.RewritePrefix); err != nil {
		return err
	}
	// Readd only puts back the prefix the route matched on. A different
	// rewrite_prefix would be stacked in front of it.
	if mode == rewrite.ModeReadd && c.Proxy.RewritePrefix != "" {
		prefix := c.Proxy.Prefix
		if prefix == "" {
			prefix = "/api"
		}
		if c.Proxy.RewritePrefix != prefix {
			return fmt.Errorf("proxy.rewrite_prefix must equal proxy.prefix (%q) in readd mode; got %q", prefix, c.Proxy.RewritePrefix)
		}
	}

	if c.Static.Root == "" {
		return fmt.Errorf("static.root is required")
	}
	if strings.ContainsAny(c.Static.Entry, `/\`) {
		return fmt.Errorf("static.entry must be a file name inside static.root; got %q", c.Static.Entry)
	}

	switch strings.ToLower(c.Upstream.Scheme) {
	case "http", "https", "":
		// valid
	default:
		return fmt.Errorf("upstream.scheme must be http or https; got %q", c.Upstream.Scheme)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.Port < 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 0–65535; got %d", c.Upstream.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"upstream.connect_timeout_seconds":         c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.idle_timeout_seconds":            c.Upstream.IdleTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
		"status.timeout_seconds":                   c.Status.TimeoutSeconds,
		"log.max_size_mb":                          c.Log.MaxSizeMB,
		"log.max_backups":                          c.Log.MaxBackups,
		"log.max_age_days":                         c.Log.MaxAgeDays,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Status probes.
	if p := c.Status.HealthPath; p != "" && p[0] != '/' {
		return fmt.Errorf("status.health_path must start with '/'; got %q", p)
	}
	for i, svc := range c.Status.Services {
		if svc.Name == "" {
			return fmt.Errorf("status.services[%d].name is required", i)
		}
		u, err := url.Parse(svc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("status.services[%d].url must be an absolute http(s) URL; got %q", i, svc.URL)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
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
		prefix := c.Proxy.Prefix
		if prefix == "" {
			prefix = "/api"
		}
		for _, reserved := range append([]string{prefix}, reservedRoutes...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validatePrefix accepts an empty value (defaulted later) or an absolute path
// other than "/" without a trailing slash.
func validatePrefix(field, p string) error {
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return fmt.Errorf("%s must start with '/'; got %q", field, p)
	}
	if p == "/" || strings.HasSuffix(p, "/") {
		return fmt.Errorf("%s must not be '/' or end with '/'; got %q", field, p)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3004
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.Upstream.Scheme == "" {
		c.Upstream.Scheme = "http"
	}
	c.Upstream.Scheme = strings.ToLower(c.Upstream.Scheme)
	if c.Upstream.Host == "" {
		c.Upstream.Host = "localhost"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 8005
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Proxy.Prefix == "" {
		c.Proxy.Prefix = "/api"
	}
	if c.Proxy.RewritePrefix == "" {
		c.Proxy.RewritePrefix = c.Proxy.Prefix
	}
	if c.Static.Entry == "" {
		c.Static.Entry = "index.html"
	}
	if c.Status.HealthPath == "" {
		c.Status.HealthPath = c.Proxy.Prefix + "/health"
	}
	if c.Status.TimeoutSeconds == 0 {
		c.Status.TimeoutSeconds = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Log.Compress == nil {
		compress := true
		c.Log.Compress = &compress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the upstream origin, e.g. http://localhost:8005.
func (c *UpstreamConfig) BaseURL() *url.URL {
	return &url.URL{
		Scheme: c.Scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
}

// Rule returns the path rewrite rule. The mode has already been validated.
func (c *ProxyConfig) Rule() rewrite.Rule {
	mode, _ := rewrite.ParseMode(c.RewriteMode)
	return rewrite.Rule{Mode: mode, Prefix: c.RewritePrefix}
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
