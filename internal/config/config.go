// Package config loads server configuration from defaults, an optional
// .env file, an optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// DefaultPath is used when no config file is given.
const DefaultPath = "config/oksai.yaml"

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Logging   LoggingConfig             `yaml:"logging"`
	Lifecycle LifecycleConfig           `yaml:"lifecycle"`
	Seed      SeedConfig                `yaml:"seed"`
	Plugins   map[string]PluginSettings `yaml:"plugins"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"OKSAI_HTTP_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"OKSAI_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"OKSAI_HTTP_WRITE_TIMEOUT"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"OKSAI_HTTP_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"OKSAI_HTTP_RATE_BURST"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"OKSAI_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"OKSAI_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"OKSAI_DB_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"OKSAI_DB_AUTO_MIGRATE"`
	// ConnectTimeout bounds the retrying connect at startup.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"OKSAI_DB_CONNECT_TIMEOUT"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// LifecycleConfig bounds plugin hooks and the overall shutdown.
type LifecycleConfig struct {
	// HookTimeout bounds each plugin hook; zero means unbounded.
	HookTimeout     time.Duration `yaml:"hook_timeout" env:"OKSAI_HOOK_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"OKSAI_SHUTDOWN_TIMEOUT"`
	EventBuffer     int           `yaml:"event_buffer" env:"OKSAI_EVENT_BUFFER"`
}

// SeedConfig holds the super admin credentials used by the basic seed.
// Both values are merged into the auth plugin's superAdmin settings.
type SeedConfig struct {
	SuperAdminEmail    string `yaml:"super_admin_email" env:"OKSAI_SUPER_ADMIN_EMAIL"`
	SuperAdminPassword string `yaml:"super_admin_password" env:"OKSAI_SUPER_ADMIN_PASSWORD"`
}

// PluginSettings are per-plugin overrides from the config file.
type PluginSettings struct {
	// Enabled is nil when the file leaves the plugin's state alone.
	Enabled *bool          `yaml:"enabled"`
	Config  map[string]any `yaml:"config"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
			ConnectTimeout:  30 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout: 30 * time.Second,
			EventBuffer:     1000,
		},
		Plugins: map[string]PluginSettings{},
	}
}

// Load builds the configuration. A missing file at path is not an error.
// A .env file next to the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginSettings{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Lifecycle.HookTimeout < 0 {
		return errors.New("lifecycle.hook_timeout must not be negative")
	}
	if c.Lifecycle.ShutdownTimeout <= 0 {
		return errors.New("lifecycle.shutdown_timeout must be positive")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return errors.New("database pool sizes must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// LoggerConfig converts the logging section for pkg/logger.
func (c *Config) LoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		FilePrefix: c.Logging.FilePrefix,
	}
}

// PluginStates returns the enabled flags set explicitly in the file.
func (c *Config) PluginStates() map[string]bool {
	out := make(map[string]bool)
	for name, s := range c.Plugins {
		if s.Enabled != nil {
			out[name] = *s.Enabled
		}
	}
	return out
}

// PluginOverrides returns the config overrides for each plugin that has any.
func (c *Config) PluginOverrides() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, s := range c.Plugins {
		if len(s.Config) > 0 {
			out[name] = s.Config
		}
	}

	admin := map[string]any{}
	if c.Seed.SuperAdminEmail != "" {
		admin["email"] = c.Seed.SuperAdminEmail
	}
	if c.Seed.SuperAdminPassword != "" {
		admin["password"] = c.Seed.SuperAdminPassword
	}
	if len(admin) > 0 {
		auth := make(map[string]any, len(out[authPlugin])+1)
		for k, v := range out[authPlugin] {
			auth[k] = v
		}
		if prev, ok := auth["superAdmin"].(map[string]any); ok {
			for k, v := range prev {
				if _, set := admin[k]; !set {
					admin[k] = v
				}
			}
		}
		auth["superAdmin"] = admin
		out[authPlugin] = auth
	}
	return out
}

const authPlugin = "auth"
