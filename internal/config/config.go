// Package config loads edgeguard configuration from YAML, a .env file and
// EDGEGUARD_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/inercia/edgeguard/internal/blocklist"
	"github.com/inercia/edgeguard/internal/detector"
	"github.com/inercia/edgeguard/internal/geo"
	"github.com/inercia/edgeguard/internal/guard"
	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/ratelimit"
	"github.com/inercia/edgeguard/internal/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override file settings.
const (
	EnvListen         = "EDGEGUARD_LISTEN"
	EnvDBDriver       = "EDGEGUARD_DB_DRIVER"
	EnvDBDSN          = "EDGEGUARD_DB_DSN"
	EnvRedisAddr      = "EDGEGUARD_REDIS_ADDR"
	EnvGeoIPDB        = "EDGEGUARD_GEOIP_DB"
	EnvLogLevel       = "EDGEGUARD_LOG_LEVEL"
	EnvTrustedProxies = "EDGEGUARD_TRUSTED_PROXIES"
	EnvRequireLog     = "EDGEGUARD_REQUIRE_LOG"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Listen is the address to bind, e.g. ":8080".
	Listen string `yaml:"listen"`
	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence engine.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	// For sqlite an empty DSN means the database in the data directory.
	DSN string `yaml:"dsn"`
}

// AccessLogConfig configures the rotated security access log.
type AccessLogConfig struct {
	// Path is the log file. Empty disables the access log.
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the complete edgeguard configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Identity  identity.Config  `yaml:"identity"`
	Blocklist blocklist.Config `yaml:"blocklist"`
	Geo       geo.Config       `yaml:"geo"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Detector  detector.Config  `yaml:"detector"`
	Guard     guard.Config     `yaml:"guard"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   logging.Config   `yaml:"logging"`
	AccessLog AccessLogConfig  `yaml:"access_log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Blocklist: blocklist.DefaultConfig(),
		Geo:       geo.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Detector:  detector.DefaultConfig(),
		Guard:     guard.DefaultConfig(),
		Storage:   StorageConfig{Driver: store.DriverSQLite},
		Logging:   logging.Config{Level: "info"},
		AccessLog: AccessLogConfig{MaxSizeMB: 10, MaxBackups: 1},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads the YAML file at path over the defaults, applies the environment
// and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates. The environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays EDGEGUARD_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := getenv(EnvDBDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := getenv(EnvDBDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := getenv(EnvGeoIPDB); v != "" {
		c.Geo.DatabasePath = v
		c.Geo.Provider = geo.ProviderMaxMind
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := getenv(EnvTrustedProxies); v != "" {
		c.Identity.TrustedProxies = splitList(v)
	}
	if v := getenv(EnvRequireLog); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, EnvRequireLog, v)
		}
		c.Guard.RequireLog = b
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	switch c.Storage.Driver {
	case store.DriverMemory, store.DriverSQLite:
	case store.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalid, c.Storage.Driver)
	}

	checks := []struct {
		section string
		fn      func() error
	}{
		{"blocklist", c.Blocklist.Validate},
		{"geo", c.Geo.Validate},
		{"ratelimit", c.RateLimit.Validate},
		{"detector", c.Detector.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, chk.section, err)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalid)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
