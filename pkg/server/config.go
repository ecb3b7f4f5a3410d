package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the immutable server configuration, loaded once at startup.
type Config struct {
	Address           string
	Port              int
	ServerName        string
	ServerVersion     string
	MaxClients        int
	MetricsPort       int // Internal HTTP port for /metrics and /health (0 = disabled)
	HTTPPort          int // Public HTTP port for /ws and /status.json (0 = disabled)
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:           "0.0.0.0",
		Port:              6809,
		ServerName:        "OpenFSD",
		ServerVersion:     "0.1.0",
		MaxClients:        1000,
		MetricsPort:       9090,
		HTTPPort:          8080,
		HeartbeatInterval: 30 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	HTTP    HTTPSection    `toml:"http"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	Address      string `toml:"address"`
	Port         int    `toml:"port"`
	Name         string `toml:"name"`
	Version      string `toml:"version"`
	MaxClients   int    `toml:"max_clients"`
	DatabasePath string `toml:"database_path"`
}

type HTTPSection struct {
	MetricsPort int `toml:"metrics_port"`
	PublicPort  int `toml:"public_port"`
}

type LoggingSection struct {
	Debug bool `toml:"debug"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Address:      "0.0.0.0",
			Port:         6809,
			Name:         "OpenFSD",
			Version:      "0.1.0",
			MaxClients:   1000,
			DatabasePath: "openfsd.db",
		},
		HTTP: HTTPSection{
			MetricsPort: 9090,
			PublicPort:  8080,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Could not write (permissions?); still usable with defaults.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern OPENFSD_SECTION_KEY, e.g. OPENFSD_SERVER_PORT=7809.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("OPENFSD_SERVER_ADDRESS"); val != "" {
		config.Server.Address = val
	}
	if val := os.Getenv("OPENFSD_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("OPENFSD_SERVER_NAME"); val != "" {
		config.Server.Name = val
	}
	if val := os.Getenv("OPENFSD_SERVER_MAX_CLIENTS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Server.MaxClients = limit
		}
	}
	if val := os.Getenv("OPENFSD_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("OPENFSD_HTTP_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.HTTP.MetricsPort = port
		}
	}
	if val := os.Getenv("OPENFSD_HTTP_PUBLIC_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.HTTP.PublicPort = port
		}
	}
	if val := os.Getenv("OPENFSD_LOGGING_DEBUG"); val != "" {
		if debug, err := strconv.ParseBool(val); err == nil {
			config.Logging.Debug = debug
		}
	}

	return config
}

// writeDefaultConfig writes a commented default config file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# OpenFSD Server Configuration
# This file was auto-generated with default values.
# Environment variables can override these settings:
# OPENFSD_SECTION_KEY (e.g. OPENFSD_SERVER_PORT=7809)

[server]
# Bind address for the FSD listener
address = "0.0.0.0"

# FSD protocol port
port = 6809

# Server name reported in logs
name = "OpenFSD"

# Server version string
version = "0.1.0"

# Maximum concurrent clients
max_clients = 1000

# Path to the SQLite database (users and client whitelist)
database_path = "openfsd.db"

[http]
# Internal HTTP port for /metrics and /health - never expose publicly
# Set to 0 to disable
metrics_port = 9090

# Public HTTP port for /ws (WebSocket transport) and /status.json
# Set to 0 to disable
public_port = 8080

[logging]
# Enable debug logging
debug = false
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to Config, filling gaps from defaults.
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Address) != "" {
		cfg.Address = c.Server.Address
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.ServerName = c.Server.Name
	}
	if strings.TrimSpace(c.Server.Version) != "" {
		cfg.ServerVersion = c.Server.Version
	}
	if c.Server.MaxClients != 0 {
		cfg.MaxClients = c.Server.MaxClients
	}
	cfg.MetricsPort = c.HTTP.MetricsPort
	cfg.HTTPPort = c.HTTP.PublicPort

	return cfg
}
