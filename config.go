package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"inventory-relay/internal/inventory"
)

type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Relay    RelayConfig    `yaml:"relay"`
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PostgresConfig struct {
	URL            string `yaml:"url"`
	InstallTrigger bool   `yaml:"install_trigger"`
}

type RelayConfig struct {
	Channel        string        `yaml:"channel"`
	MaxSessions    int32         `yaml:"max_sessions"`    // hard cap on concurrent stream sessions
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // bounded wait before a stream request fails fast
}

type NATSConfig struct {
	URL           string        `yaml:"url"` // empty disables the NATS forwarder
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads the YAML config at path. A missing file is not an error;
// defaults and environment variables carry a bare deployment. DATABASE_URL
// overrides the configured connection string.
func LoadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Postgres.URL = url
	}

	// Set defaults
	if config.Relay.Channel == "" {
		config.Relay.Channel = inventory.Channel
	}
	if config.Relay.MaxSessions == 0 {
		config.Relay.MaxSessions = 8
	}
	if config.Relay.AcquireTimeout == 0 {
		config.Relay.AcquireTimeout = 3 * time.Second
	}
	if config.NATS.Subject == "" {
		config.NATS.Subject = "inventory.changes"
	}
	if config.NATS.MaxReconnect == 0 {
		config.NATS.MaxReconnect = 10
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.HTTP.Addr == "" {
		config.HTTP.Addr = ":8080"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return &config, nil
}
