// Package config loads asyncsock settings from a YAML file and ASOCK_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvPollInterval = "ASOCK_POLL_INTERVAL_MS"
	EnvMaxEvents    = "ASOCK_MAX_EVENTS"
	EnvLogLevel     = "ASOCK_LOG_LEVEL"
	EnvTransport    = "ASOCK_TRANSPORT"

	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 10 * time.Second
	minMaxEvents    = 16
	maxMaxEvents    = 65536
)

const (
	TransportUnix   = "unix"
	TransportMemory = "memory"
)

type Config struct {
	// PollInterval bounds each readiness wait of the poll service.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxEvents is the number of readiness events fetched per wait.
	MaxEvents int    `yaml:"max_events"`
	LogLevel  string `yaml:"log_level"`
	Transport string `yaml:"transport"`
	// IPv6 makes handles allocate IPv6 descriptors.
	IPv6 bool `yaml:"ipv6"`
	// HistoryFile is where the interactive client keeps its line history.
	HistoryFile string `yaml:"history_file"`
}

func Default() Config {
	return Config{
		PollInterval: time.Second,
		MaxEvents:    256,
		LogLevel:     "info",
		Transport:    TransportUnix,
		HistoryFile:  ".asock_history",
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// clamps the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPollInterval); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPollInterval, err)
		}
		c.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvMaxEvents); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMaxEvents, err)
		}
		c.MaxEvents = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		c.Transport = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportUnix, TransportMemory:
		return nil
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
}

func (c *Config) clamp() {
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	} else if c.PollInterval > maxPollInterval {
		c.PollInterval = maxPollInterval
	}
	if c.MaxEvents < minMaxEvents {
		c.MaxEvents = minMaxEvents
	} else if c.MaxEvents > maxMaxEvents {
		c.MaxEvents = maxMaxEvents
	}
}
