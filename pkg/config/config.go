package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/console"
	goble "github.com/srg/trvd/internal/device/go-ble"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/httpapi"
	"github.com/srg/trvd/internal/mqtt"
	"github.com/srg/trvd/internal/queue"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/scanner"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel        string `yaml:"log_level" default:"info"`
	LogHistoryBytes int    `yaml:"log_history_bytes" default:"4096"`

	BLE      goble.RadioOptions `yaml:"ble"`
	Dispatch DispatchConfig     `yaml:"dispatch"`
	Scan     scanner.Options    `yaml:"scan"`
	MQTT     mqtt.Options       `yaml:"mqtt"`
	HTTP     HTTPConfig         `yaml:"http"`
	Console  console.Options    `yaml:"console"`
	Clock    ClockConfig        `yaml:"clock"`
}

// DispatchConfig tunes the command engine.
type DispatchConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" default:"1s"`
	EventBuffer       int           `yaml:"event_buffer" default:"64"`
	GraceTicks        int           `yaml:"grace_ticks" default:"2"`
	StateTimeoutTicks int           `yaml:"state_timeout_ticks" default:"15"`
	MTU               int           `yaml:"mtu" default:"64"`
	RetryPolicy       string        `yaml:"retry_policy" default:"requeue"`
}

// HTTPConfig enables the local control page.
type HTTPConfig struct {
	Enabled         bool `yaml:"enabled" default:"true"`
	httpapi.Options `yaml:",inline"`
}

// ClockConfig describes the host clock used by settime without an argument.
type ClockConfig struct {
	Synchronized bool   `yaml:"synchronized" default:"true"`
	Timezone     string `yaml:"timezone"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if len(cfg.Scan.Names) == 0 {
		cfg.Scan.Names = []string{scanner.ValveName}
	}
	return cfg
}

// Load reads a YAML config file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Scan.Names) == 0 {
		cfg.Scan.Names = []string{scanner.ValveName}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogHistoryBytes <= 0 {
		return fmt.Errorf("log_history_bytes must be positive, got %d", c.LogHistoryBytes)
	}
	if _, err := queue.ParsePolicy(c.Dispatch.RetryPolicy); err != nil {
		return fmt.Errorf("dispatch.retry_policy: %w", err)
	}
	if c.Dispatch.TickInterval <= 0 {
		return fmt.Errorf("dispatch.tick_interval must be positive, got %s", c.Dispatch.TickInterval)
	}
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be positive, got %s", c.Scan.Duration)
	}
	if c.MQTT.Broker != "" && c.MQTT.ID == "" {
		return errors.New("mqtt.id is required when mqtt.broker is set")
	}
	if c.Console.Device != "" && !c.Console.Enabled {
		return errors.New("console.device is set but console.enabled is false")
	}
	if c.Console.PTY && c.Console.Device != "" {
		return errors.New("console.pty and console.device are mutually exclusive")
	}
	if _, err := c.Clock.Location(); err != nil {
		return fmt.Errorf("clock.timezone: %w", err)
	}
	return nil
}

// Level returns the configured log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Policy returns the parsed retry policy.
func (d DispatchConfig) Policy() queue.Policy {
	p, _ := queue.ParsePolicy(d.RetryPolicy)
	return p
}

// MachineOptions returns the protocol machine settings.
func (d DispatchConfig) MachineOptions() dispatch.Options {
	return dispatch.Options{
		GraceTicks:        d.GraceTicks,
		StateTimeoutTicks: d.StateTimeoutTicks,
		MTU:               d.MTU,
	}
}

// EngineOptions returns the runtime loop settings.
func (d DispatchConfig) EngineOptions() dispatch.EngineOptions {
	return dispatch.EngineOptions{
		TickInterval: d.TickInterval,
		EventBuffer:  d.EventBuffer,
	}
}

// Location resolves the timezone; empty means local time.
func (c ClockConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RequestClock returns the clock settime requests read.
func (c ClockConfig) RequestClock() request.Clock {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	return request.SystemClock{Synced: c.Synchronized, Location: loc}
}
