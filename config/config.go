// Package config loads the engine configuration from YAML and builds the
// collaborators it names.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of the YAML document.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	IDs     IDConfig      `yaml:"ids"`
	Events  EventsConfig  `yaml:"events"`
}

type StorageConfig struct {
	Driver string               `yaml:"driver"`
	Redis  storage.RedisOptions `yaml:"redis"`
	SQLite SQLiteConfig         `yaml:"sqlite"`
}

type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig selects the zap preset. An empty level disables logging.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// IDConfig configures the snowflake generator. A zero epoch means "just now".
type IDConfig struct {
	MachineID uint16    `yaml:"machineId"`
	Epoch     time.Time `yaml:"epoch"`
}

type EventsConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// Default returns an in-memory, silent configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: storage.RedisOptions{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			SQLite: SQLiteConfig{DSN: "file:approval.db"},
		},
		IDs:    IDConfig{MachineID: 1},
		Events: EventsConfig{BufferSize: 100},
	}
}

// Load reads and parses a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: redis driver needs an address", ErrInvalidConfig)
		}
	case DriverSQLite:
		if c.Storage.SQLite.DSN == "" {
			return fmt.Errorf("%w: sqlite driver needs a dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Events.BufferSize < 0 {
		return fmt.Errorf("%w: negative event buffer size", ErrInvalidConfig)
	}
	if c.Logging.Level != "" {
		if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// NewStorage opens the configured storage backend.
func NewStorage(c StorageConfig) (storage.Storage, error) {
	switch c.Driver {
	case DriverMemory, "":
		return storage.NewMemoryStorage(), nil
	case DriverRedis:
		store, err := storage.NewRedisStorage(c.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverSQLite:
		store, err := storage.NewSQLiteStorage(c.SQLite.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Driver)
	}
}

// NewLogger builds a zap logger. An empty level yields a no-op logger.
func NewLogger(c LoggingConfig) (*zap.Logger, error) {
	if c.Level == "" {
		return zap.NewNop(), nil
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// NewGenerator builds the snowflake ID generator.
func NewGenerator(c IDConfig) generator.Generator {
	epoch := c.Epoch
	if epoch.IsZero() {
		epoch = time.Now().Add(-1 * time.Second)
	}
	return generator.NewSnowflake(epoch, c.MachineID)
}

// NewEventBus builds the event bus with the configured buffer.
func NewEventBus(c EventsConfig, logger *zap.Logger) *events.EventBus {
	opts := []events.EventBusOption{events.WithLogger(logger)}
	if c.BufferSize > 0 {
		opts = append(opts, events.WithBufferSize(c.BufferSize))
	}
	return events.NewEventBus(opts...)
}
