/*
Package config loads Pylon's static process configuration: server
addresses, the identity store DSN, admin credentials, and logging level.
This is the configuration named in spec §6 that "requires process restart
to change" — the dynamic, hot-reloadable policy document lives in
internal/policy instead.
*/
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level static configuration for a Pylon instance.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the two HTTP listener addresses.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	ProxyAddr       string        `yaml:"proxy_addr"`
	AdminAddr       string        `yaml:"admin_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// DatabaseConfig points at the identity / request-log store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AdminConfig holds the admin-surface credentials and token settings.
type AdminConfig struct {
	PasswordHash  string        `yaml:"password_hash"` // sha256 hex of the admin password
	TokenSecret   string        `yaml:"token_secret"`  // HMAC signing secret for admin tokens
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// RedisConfig is optional — when URL is empty the identity cache falls
// back to an in-process LRU.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls zerolog's output.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Env   string `yaml:"env"`   // development, production
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} occurrences in the raw YAML bytes with the
// corresponding environment variable, leaving the placeholder untouched
// when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			ProxyAddr:       ":8000",
			AdminAddr:       ":8001",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			GracefulTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "pylon.db",
		},
		Admin: AdminConfig{
			TokenTTL: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
			Env:   "development",
		},
	}
}

// Load reads the static config from path, applying a .env overlay first
// (if present in the working directory) and expanding ${VAR} references
// in the YAML against the resulting environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// IsDevelopment reports whether the instance is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Env == "development"
}
