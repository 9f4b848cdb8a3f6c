package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Bus       BusConfig       `yaml:"bus"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Registry  RegistryConfig  `yaml:"registry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BusConfig selects the I2C bus
type BusConfig struct {
	// Name as understood by periph's i2creg; empty opens the first bus
	Name      string        `yaml:"name"`
	Speed     string        `yaml:"speed" default:"100kHz"`
	TxTimeout time.Duration `yaml:"tx_timeout" default:"100ms"`
}

type ScannerConfig struct {
	Period       time.Duration `yaml:"period" default:"3s"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" default:"100ms"`
}

type RegistryConfig struct {
	Capacity int `yaml:"capacity" default:"16"`
}

type GatewayConfig struct {
	DeviceName  string        `yaml:"device_name" default:"BrickLab"`
	QueueSize   int           `yaml:"queue_size" default:"8"`
	ScriptLimit int           `yaml:"script_limit" default:"8192"`
	SettleDelay time.Duration `yaml:"settle_delay" default:"50ms"`
}

// TelemetryConfig is the optional MQTT mirror; an empty broker disables it
type TelemetryConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id" default:"brickbase"`
	TopicPrefix string `yaml:"topic_prefix" default:"brickbase"`
	QoS         int    `yaml:"qos" default:"1"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Bus.Frequency(); err != nil {
		errs = append(errs, err)
	}
	if c.Bus.TxTimeout <= 0 {
		errs = append(errs, errors.New("bus.tx_timeout must be positive"))
	}
	if c.Scanner.Period <= 0 {
		errs = append(errs, errors.New("scanner.period must be positive"))
	}
	if c.Registry.Capacity <= 0 {
		errs = append(errs, errors.New("registry.capacity must be positive"))
	}
	if c.Gateway.QueueSize <= 0 {
		errs = append(errs, errors.New("gateway.queue_size must be positive"))
	}
	if c.Gateway.ScriptLimit <= 0 {
		errs = append(errs, errors.New("gateway.script_limit must be positive"))
	}
	if c.Gateway.SettleDelay < 0 {
		errs = append(errs, errors.New("gateway.settle_delay must not be negative"))
	}
	if c.Gateway.DeviceName == "" {
		errs = append(errs, errors.New("gateway.device_name must not be empty"))
	}
	if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
		errs = append(errs, fmt.Errorf("telemetry.qos must be 0, 1 or 2, got %d", c.Telemetry.QoS))
	}
	if c.Telemetry.Broker != "" && c.Telemetry.TopicPrefix == "" {
		errs = append(errs, errors.New("telemetry.topic_prefix is required when a broker is set"))
	}
	return errors.Join(errs...)
}

// Frequency parses the configured bus speed
func (b BusConfig) Frequency() (physic.Frequency, error) {
	if b.Speed == "" {
		return 0, nil
	}
	var f physic.Frequency
	if err := f.Set(b.Speed); err != nil {
		return 0, fmt.Errorf("bus.speed %q: %w", b.Speed, err)
	}
	return f, nil
}

// Level returns the parsed log level, falling back to info
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
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
