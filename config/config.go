package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/electron-store/storage"
)

// Backend names accepted in the configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config is the file-level configuration of a task-node store deployment.
type Config struct {
	Backend    string        `yaml:"backend"`
	LogLevel   string        `yaml:"log_level"`
	MachineID  uint16        `yaml:"machine_id"`
	MaxRetries int           `yaml:"max_retries"`
	OpTimeout  time.Duration `yaml:"op_timeout"`

	Redis  storage.RedisOptions  `yaml:"redis"`
	Badger storage.BadgerOptions `yaml:"badger"`
	Events EventsConfig          `yaml:"events"`
}

// EventsConfig sizes the lifecycle event bus.
type EventsConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Backend:    BackendMemory,
		LogLevel:   "info",
		MachineID:  1,
		MaxRetries: 16,
		OpTimeout:  5 * time.Second,
		Redis: storage.RedisOptions{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Badger: storage.BadgerOptions{
			Dir: "data/tasknodes",
		},
		Events: EventsConfig{
			BufferSize:  100,
			SyncTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML file and fills unset fields from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML strictly and fills unset fields from Default.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendBadger:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Backend == BackendBadger && c.Badger.Dir == "" && !c.Badger.InMemory {
		return fmt.Errorf("badger backend needs a dir or in_memory")
	}
	return nil
}

// OpenStore builds the configured storage backend.
func (c *Config) OpenStore(logger *slog.Logger) (storage.Store, error) {
	opts := []storage.Option{
		storage.WithLogger(logger),
		storage.WithMaxRetries(c.MaxRetries),
		storage.WithOpTimeout(c.OpTimeout),
		storage.WithGenerator(generator.NewSnowflake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), c.MachineID)),
	}

	switch c.Backend {
	case BackendRedis:
		return storage.NewRedisStorage(c.Redis, opts...)
	case BackendBadger:
		return storage.NewBadgerStorage(c.Badger, opts...)
	default:
		return storage.NewMemoryStorage(opts...), nil
	}
}
