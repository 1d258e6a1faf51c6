package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendRedis = "redis"
	BackendBolt  = "bolt"
)

// Duration is a time.Duration with human-readable YAML form ("15m", "2s").
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the engine configuration shared by all loom commands.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Executor ExecutorConfig `yaml:"executor"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects and parameterizes the KV store backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	Bolt    BoltConfig  `yaml:"bolt"`
}

// RedisConfig points at the shared Redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BoltConfig parameterizes the embedded store.
type BoltConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig names the job queue.
type QueueConfig struct {
	Name string `yaml:"name"`
}

// WorkerConfig parameterizes the execution loop.
type WorkerConfig struct {
	ScratchDir   string   `yaml:"scratch_dir"`
	Heartbeat    Duration `yaml:"heartbeat"`
	ReclaimAfter Duration `yaml:"reclaim_after"`
	MetricsAddr  string   `yaml:"metrics_addr"`
}

// ExecutorConfig parameterizes target waits.
type ExecutorConfig struct {
	Poll Duration `yaml:"poll"`
}

// LogConfig parameterizes logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis:   RedisConfig{Addr: "localhost:6379"},
			Bolt:    BoltConfig{DataDir: "/var/lib/loom"},
		},
		Queue: QueueConfig{Name: "default"},
		Worker: WorkerConfig{
			ScratchDir:   os.TempDir(),
			Heartbeat:    Duration(15 * time.Second),
			ReclaimAfter: Duration(15 * time.Minute),
		},
		Executor: ExecutorConfig{Poll: Duration(500 * time.Millisecond)},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendRedis, BackendBolt:
	default:
		return fmt.Errorf("unknown store backend %q (want %q or %q)", c.Store.Backend, BackendRedis, BackendBolt)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	return nil
}
