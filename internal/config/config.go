// Package config loads and persists host configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults for the daemon control endpoint. Override at build time with:
//
//	go build -ldflags "-X github.com/harvestnet/harvest-host/internal/config.DefaultDaemonHost=..."
var (
	DefaultDaemonHost = "localhost"
	DefaultDaemonPort = 55400
)

// Config is the host application configuration.
type Config struct {
	// Daemon control endpoint.
	DaemonHost string `yaml:"daemon_host" mapstructure:"daemon_host"`
	DaemonPort int    `yaml:"daemon_port" mapstructure:"daemon_port"`

	// Packaged builds ship a precompiled daemon at a fixed path relative to
	// the host executable. Development builds launch the interpreter against
	// the daemon source tree under DaemonRoot.
	Packaged   bool   `yaml:"packaged" mapstructure:"packaged"`
	DaemonRoot string `yaml:"daemon_root,omitempty" mapstructure:"daemon_root"`

	// Interpreter for development-mode launches. Defaults to python3 on
	// POSIX and python on Windows when empty.
	Interpreter string `yaml:"interpreter,omitempty" mapstructure:"interpreter"`
}

// DaemonURL returns the secure control endpoint URI.
func (c *Config) DaemonURL() string {
	return fmt.Sprintf("wss://%s:%d", c.DaemonHost, c.DaemonPort)
}

var (
	configDir  string
	configPath string
)

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to resolve home directory: %v", err))
	}
	configDir = filepath.Join(home, ".harvestnet")
	configPath = filepath.Join(configDir, "host-config.yaml")
}

// Path returns the config file path.
func Path() string { return configPath }

// Dir returns the config directory. The launcher also keeps its PID file here.
func Dir() string { return configDir }

// Load reads the configuration, creating a default file on first run.
func Load() (*Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.DaemonHost == "" {
		cfg.DaemonHost = DefaultDaemonHost
	}
	if cfg.DaemonPort == 0 {
		cfg.DaemonPort = DefaultDaemonPort
	}
	return cfg, nil
}

// Save writes the configuration with owner-only permissions.
func Save(cfg *Config) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		DaemonHost: DefaultDaemonHost,
		DaemonPort: DefaultDaemonPort,
	}
}
