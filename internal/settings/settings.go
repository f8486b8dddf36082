// Package settings loads process configuration: defaults, then an optional
// YAML file, then environment overrides.
package settings

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds process-level configuration. Proxy behavior (scheduling mode,
// stickiness, allowed models) lives in the database-backed ProxyConfig instead.
type Settings struct {
	Host           string `yaml:"host" envconfig:"HOST"`
	Port           int    `yaml:"port" envconfig:"PORT"`
	DBPath         string `yaml:"db_path" envconfig:"DB_PATH"`
	AllowLANAccess bool   `yaml:"allow_lan_access" envconfig:"ALLOW_LAN"`
	LogLevel       string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Host:     "127.0.0.1",
		Port:     8094,
		DBPath:   "relay.db",
		LogLevel: "info",
	}
}

// Load builds settings from defaults, the YAML file at path (if non-empty),
// and RELAY_* environment variables, in that order.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse settings file: %w", err)
		}
	}

	if err := envconfig.Process("RELAY", &s); err != nil {
		return s, fmt.Errorf("settings from env: %w", err)
	}

	return s, nil
}

// BindAddr returns the address the HTTP server listens on.
func (s Settings) BindAddr() string {
	host := s.Host
	if s.AllowLANAccess {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}
