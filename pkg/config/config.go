package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/beaconctl/internal/beacon"
	"github.com/srg/beaconctl/internal/beacon/goble"
	"github.com/srg/beaconctl/internal/firmware"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string                     `yaml:"log_level" default:"info"`
	Connect   ConnectConfig              `yaml:"connect"`
	Firmware  FirmwareConfig             `yaml:"firmware"`
	Registers map[string]RegisterAddress `yaml:"registers"`
	Beacons   map[string]BeaconMetadata  `yaml:"beacons"`
}

// ConnectConfig holds connection and operation timing
type ConnectConfig struct {
	Attempts         int           `yaml:"attempts" default:"3"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout" default:"10s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
}

// FirmwareConfig holds firmware transfer settings
type FirmwareConfig struct {
	ChunkSize   int    `yaml:"chunk_size" default:"256"`
	SegmentSize int    `yaml:"segment_size" default:"20"`
	CatalogDir  string `yaml:"catalog_dir"`
}

// RegisterAddress overrides where a register lives on the GATT server
type RegisterAddress struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// BeaconMetadata is descriptive data for a known beacon
type BeaconMetadata struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. An empty path yields the defaults.
// Fields missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	defaults.SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and register addresses
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Connect.Attempts < 1 {
		return fmt.Errorf("connect.attempts must be at least 1, got %d", c.Connect.Attempts)
	}
	if c.Firmware.SegmentSize < 1 || c.Firmware.SegmentSize > 512 {
		return fmt.Errorf("firmware.segment_size must be within [1, 512], got %d", c.Firmware.SegmentSize)
	}
	if c.Firmware.ChunkSize > firmware.MaxChunkSize {
		return fmt.Errorf("firmware.chunk_size must be at most %d, got %d", firmware.MaxChunkSize, c.Firmware.ChunkSize)
	}
	if c.Firmware.ChunkSize < c.Firmware.SegmentSize {
		return fmt.Errorf("firmware.chunk_size (%d) must not be smaller than segment_size (%d)", c.Firmware.ChunkSize, c.Firmware.SegmentSize)
	}
	if _, err := c.RegisterMap(); err != nil {
		return err
	}
	for id := range c.Beacons {
		if _, err := beacon.ParseIdentifier(id); err != nil {
			return fmt.Errorf("beacons: %w", err)
		}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ConnectOptions converts the connect section for beacon.Connection.Connect
func (c *Config) ConnectOptions() beacon.ConnectOptions {
	return beacon.ConnectOptions{
		MaxAttempts:      c.Connect.Attempts,
		AttemptTimeout:   c.Connect.AttemptTimeout,
		OperationTimeout: c.Connect.OperationTimeout,
	}
}

// RegisterMap returns the default register layout with configured overrides applied
func (c *Config) RegisterMap() (goble.RegisterMap, error) {
	overrides := make(goble.RegisterMap, len(c.Registers))
	for id, addr := range c.Registers {
		overrides[beacon.RegisterID(strings.ToLower(id))] = goble.CharAddress{
			Service:        addr.Service,
			Characteristic: addr.Characteristic,
		}
	}
	m := goble.DefaultRegisterMap().Merge(overrides)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("registers: %w", err)
	}
	return m, nil
}

// MetadataResolver serves the beacons section
func (c *Config) MetadataResolver() beacon.MetadataResolver {
	known := make(map[string]beacon.Metadata, len(c.Beacons))
	for raw, md := range c.Beacons {
		id, err := beacon.ParseIdentifier(raw)
		if err != nil {
			continue
		}
		known[id.String()] = beacon.Metadata{Name: md.Name, Color: md.Color}
	}
	return staticResolver(known)
}

type staticResolver map[string]beacon.Metadata

func (r staticResolver) Resolve(ctx context.Context, id beacon.Identifier) (beacon.Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return beacon.Metadata{}, false, err
	}
	md, ok := r[id.String()]
	return md, ok, nil
}
