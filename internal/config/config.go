// Package config manages gorally server configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gorally server configuration.
type Config struct {
	General    GeneralConfig    `koanf:"general"`
	Networking NetworkingConfig `koanf:"networking"`
	Auth       AuthConfig       `koanf:"auth"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// GeneralConfig holds server-wide settings.
type GeneralConfig struct {
	// Name is the server's display name, shown on the HTTP info facet.
	Name string `koanf:"name"`

	// Map is the initial map name sent to clients in the LoadMap packet.
	Map string `koanf:"map"`

	// HandoffBacklog is the capacity of the queue between the acceptor
	// and the tick engine. Enqueue blocks the handshaking connection when
	// the engine falls behind, which is the intended backpressure point.
	HandoffBacklog int `koanf:"handoff_backlog"`
}

// NetworkingConfig holds the server's listening ports.
type NetworkingConfig struct {
	// TCPPort is the listening TCP port for client control traffic.
	TCPPort uint16 `koanf:"tcp_port"`

	// UDPPort is the listening UDP port for physics state traffic. The
	// expected client UDP source port is UDPPort+1.
	UDPPort uint16 `koanf:"udp_port"`

	// HTTPPort is the info facet port, advertised to clients in ServerInfo.
	HTTPPort uint16 `koanf:"http_port"`
}

// AuthConfig holds the login service client settings.
type AuthConfig struct {
	// LoginAPI is the base URL of the login service used to resolve auth
	// codes to player identities.
	LoginAPI string `koanf:"login_api"`

	// Timeout bounds one identity resolution round trip.
	Timeout time.Duration `koanf:"timeout"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Port defaults follow the launcher's conventions: 30813 for control,
// 30814 for state (clients answer from 30815), 30811 for the info facet.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			Name:           "gorally server",
			Map:            "gridmap_v2",
			HandoffBacklog: 250,
		},
		Networking: NetworkingConfig{
			TCPPort:  30813,
			UDPPort:  30814,
			HTTPPort: 30811,
		},
		Auth: AuthConfig{
			LoginAPI: "http://127.0.0.1:11281",
			Timeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gorally configuration.
// Variables are named GORALLY_<section>_<key>, e.g., GORALLY_NETWORKING_TCP_PORT.
const envPrefix = "GORALLY_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GORALLY_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
//
// Environment variable mapping:
//
//	GORALLY_GENERAL_MAP             -> general.map
//	GORALLY_NETWORKING_TCP_PORT     -> networking.tcp_port
//	GORALLY_NETWORKING_UDP_PORT     -> networking.udp_port
//	GORALLY_NETWORKING_HTTP_PORT    -> networking.http_port
//	GORALLY_AUTH_LOGIN_API          -> auth.login_api
//	GORALLY_LOG_LEVEL               -> log.level
//	GORALLY_METRICS_ADDR            -> metrics.addr
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GORALLY_NETWORKING_TCP_PORT -> networking.tcp_port.
// Strips the prefix, lowercases, and replaces the first _ with a dot.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"general.name":            defaults.General.Name,
		"general.map":             defaults.General.Map,
		"general.handoff_backlog": defaults.General.HandoffBacklog,
		"networking.tcp_port":     defaults.Networking.TCPPort,
		"networking.udp_port":     defaults.Networking.UDPPort,
		"networking.http_port":    defaults.Networking.HTTPPort,
		"auth.login_api":          defaults.Auth.LoginAPI,
		"auth.timeout":            defaults.Auth.Timeout.String(),
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMap indicates no initial map is configured.
	ErrEmptyMap = errors.New("general.map must not be empty")

	// ErrInvalidBacklog indicates a non-positive handoff backlog.
	ErrInvalidBacklog = errors.New("general.handoff_backlog must be >= 1")

	// ErrZeroPort indicates a listening port configured as zero.
	ErrZeroPort = errors.New("listening port must be nonzero")

	// ErrPortClash indicates the TCP and UDP ports are equal. The launcher
	// derives its UDP source port from udp_port, so a clash is always a
	// misconfiguration even though the sockets would bind.
	ErrPortClash = errors.New("networking.tcp_port and networking.udp_port must differ")

	// ErrInvalidLoginAPI indicates an unparseable login service URL.
	ErrInvalidLoginAPI = errors.New("auth.login_api must be a valid http(s) URL")

	// ErrInvalidAuthTimeout indicates a non-positive auth timeout.
	ErrInvalidAuthTimeout = errors.New("auth.timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.General.Map == "" {
		return ErrEmptyMap
	}

	if cfg.General.HandoffBacklog < 1 {
		return ErrInvalidBacklog
	}

	if cfg.Networking.TCPPort == 0 || cfg.Networking.UDPPort == 0 {
		return fmt.Errorf("tcp_port=%d udp_port=%d: %w",
			cfg.Networking.TCPPort, cfg.Networking.UDPPort, ErrZeroPort)
	}

	if cfg.Networking.TCPPort == cfg.Networking.UDPPort {
		return ErrPortClash
	}

	u, err := url.Parse(cfg.Auth.LoginAPI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("login_api %q: %w", cfg.Auth.LoginAPI, ErrInvalidLoginAPI)
	}

	if cfg.Auth.Timeout <= 0 {
		return ErrInvalidAuthTimeout
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
