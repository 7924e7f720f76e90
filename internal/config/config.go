// Package config loads application configuration: struct defaults first,
// then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/beacon/config.yaml",
	"/etc/beacon/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "BEACON_CONFIG_PATH"

// envPrefix namespaces environment overrides: BEACON_SERVER_PORT,
// BEACON_DISPATCH_MODE and so on.
const envPrefix = "BEACON_"

// Config contains all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
	Auth     AuthConfig     `koanf:"auth"`
	APNS     APNSConfig     `koanf:"apns"`
	Enqueue  EnqueueConfig  `koanf:"enqueue"`
	Dispatch DispatchConfig `koanf:"dispatch"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`

	// Migrate runs embedded schema migrations at startup.
	Migrate bool `koanf:"migrate"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig guards the internal endpoints.
type AuthConfig struct {
	// ServiceSecret is the shared bearer token schedulers present.
	ServiceSecret string `koanf:"service_secret"`
}

// APNSConfig contains Apple push configuration. AuthKeyPath points at the
// PKCS#8 .p8 key from the Apple developer portal.
type APNSConfig struct {
	Enabled           bool          `koanf:"enabled"`
	KeyID             string        `koanf:"key_id"`
	TeamID            string        `koanf:"team_id"`
	BundleID          string        `koanf:"bundle_id"`
	AuthKeyPath       string        `koanf:"auth_key_path"`
	Sandbox           bool          `koanf:"sandbox"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
}

// EnqueueConfig bounds each enqueue scan.
type EnqueueConfig struct {
	PepScanLimit     int `koanf:"pep_scan_limit"`
	TaskScanLimit    int `koanf:"task_scan_limit"`
	HabitScanLimit   int `koanf:"habit_scan_limit"`
	ContactScanLimit int `koanf:"contact_scan_limit"`
	NudgeScanLimit   int `koanf:"nudge_scan_limit"`
	ProfileScanLimit int `koanf:"profile_scan_limit"`
}

// DispatchConfig controls the dispatcher gates.
type DispatchConfig struct {
	Mode           string `koanf:"mode"`
	Rollback       bool   `koanf:"rollback"`
	RolloutPercent int    `koanf:"rollout_percent"`
	MaxAttempts    int    `koanf:"max_attempts"`
	BatchSize      int    `koanf:"batch_size"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
		},
		APNS: APNSConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Timeout:           10 * time.Second,
		},
		Enqueue: EnqueueConfig{
			PepScanLimit:     300,
			TaskScanLimit:    400,
			HabitScanLimit:   200,
			ContactScanLimit: 200,
			NudgeScanLimit:   200,
			ProfileScanLimit: 300,
		},
		Dispatch: DispatchConfig{
			Mode:           "shadow",
			RolloutPercent: 0,
			MaxAttempts:    5,
			BatchSize:      100,
		},
	}
}

// Load reads configuration from defaults, config file and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// BEACON_DISPATCH_ROLLOUT_PERCENT -> dispatch.rollout_percent
	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Auth.ServiceSecret == "" {
		return fmt.Errorf("auth.service_secret is required")
	}

	// Unknown dispatch modes are tolerated: the dispatcher fails entries
	// closed with an unknown_mode marker instead of sending.

	if c.APNS.Enabled {
		if c.APNS.KeyID == "" || c.APNS.TeamID == "" || c.APNS.BundleID == "" || c.APNS.AuthKeyPath == "" {
			return fmt.Errorf("apns requires key_id, team_id, bundle_id and auth_key_path")
		}
	}

	return nil
}

// ReadAPNSAuthKey loads the provider auth key from disk.
func (c *Config) ReadAPNSAuthKey() ([]byte, error) {
	key, err := os.ReadFile(c.APNS.AuthKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read apns auth key: %w", err)
	}
	return key, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransform maps BEACON_SECTION_SOME_KEY to section.some_key. Only the
// first underscore separates the section; the rest stay as the key.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}
