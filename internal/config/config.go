// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/imagery-gateway/config.toml",
	"configs/config.toml",
}

// DefaultUpstreamURL is the imagery catalog fronted by the gateway.
const DefaultUpstreamURL = "https://api.planet.com"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream  string `kong:"help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string `kong:"help='Log format: json|text|pretty (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings of the public listener.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port" validate:"min=0,max=65535"` // 0 means "use default" (3003)
	BodyMaxBytes int64           `toml:"body_max_bytes" validate:"min=0"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"min=0"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds" validate:"min=0"`
	IdleConnections int    `toml:"idle_connections" validate:"min=0"`
	// MaxPageSize bounds a single scene page read from the upstream, e.g. "32MB".
	MaxPageSize string `toml:"max_page_size"`

	maxPageBytes int64
}

// CORSConfig holds the tunable part of the CORS header set.
type CORSConfig struct {
	MaxAgeSeconds int `toml:"max_age_seconds" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=json text pretty"`
	// File, when set, also writes JSON logs to a size-rotated file.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `toml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"min=0"`
}

// AdminConfig holds the health/status/metrics listener settings. It is kept
// apart from the public listener, which serves only gateway traffic.
type AdminConfig struct {
	Enabled *bool  `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port" validate:"min=0,max=65535"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/imagery-gateway/config.toml then configs/config.toml. Running without
// any config file is allowed; defaults then apply.
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
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = strings.ToLower(cli.LogLevel)
	}
	if cli.LogFormat != "" {
		c.Log.Format = strings.ToLower(cli.LogFormat)
	}
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}

	// Upstream URL: optional (defaults to the public API) but must be HTTPS.
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("upstream.base_url must be an absolute HTTPS URL; got %q", c.Upstream.BaseURL)
		}
	}

	if c.Upstream.MaxPageSize != "" {
		n, err := units.RAMInBytes(c.Upstream.MaxPageSize)
		if err != nil {
			return fmt.Errorf("upstream.max_page_size: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("upstream.max_page_size must be positive; got %q", c.Upstream.MaxPageSize)
		}
		c.Upstream.maxPageBytes = n
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}
	if c.Metrics.Enabled && !c.Admin.IsEnabled() {
		return fmt.Errorf("metrics.enabled requires the admin listener; set admin.enabled = true")
	}

	return nil
}

// fieldPath turns a validator namespace such as "Config.Server.Port" into the
// TOML-ish "server.port".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		rest = ns
	}
	return strings.ToLower(rest)
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (3003).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3003
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * units.MiB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.maxPageBytes == 0 {
		c.Upstream.MaxPageSize = "32MB"
		c.Upstream.maxPageBytes = 32 * units.MiB
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
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
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Admin.Enabled == nil {
		enabled := true
		c.Admin.Enabled = &enabled
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
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

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsEnabled reports whether the admin listener should run. Unset means enabled.
func (c *AdminConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MaxPageBytes returns the parsed upstream.max_page_size.
func (c *UpstreamConfig) MaxPageBytes() int64 {
	return c.maxPageBytes
}

// SetMaxPageBytes overrides the page bound; intended for tests and embedding.
func (c *UpstreamConfig) SetMaxPageBytes(n int64) {
	c.maxPageBytes = n
	c.MaxPageSize = units.BytesSize(float64(n))
}

// FilePath returns the config file the configuration was loaded from, if any.
func (c *Config) FilePath() string {
	return c.filePath
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
