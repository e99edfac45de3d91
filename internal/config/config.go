// Package config holds all configuration types and loading logic for
// stagehand. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a stagehand server instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Auth       AuthConfig       `yaml:"auth"`
	Limits     LimitsConfig     `yaml:"limits"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StoreDriver selects the entity document store backend.
type StoreDriver string

const (
	StoreBolt  StoreDriver = "bolt"  // single-file embedded store — default
	StoreMongo StoreDriver = "mongo" // external MongoDB
)

// StoreConfig controls where entity records are persisted.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	// Mongo settings, used when Driver == "mongo".
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// QueueConfig sets the delay-queue policy.
type QueueConfig struct {
	// VisibilityTimeoutMs is how long a dispatcher holds a lease before the
	// job becomes re-leasable.
	VisibilityTimeoutMs int64 `yaml:"visibility_timeout_ms"`
	// MaxAttempts is the maximum number of delivery attempts before a job is
	// marked terminally failed.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseDelayMs is the first retry delay; it doubles on each retry.
	RetryBaseDelayMs int64 `yaml:"retry_base_delay_ms"`
	// ReaperIntervalMs is how often expired leases are swept.
	ReaperIntervalMs int64 `yaml:"reaper_interval_ms"`
	// MaxPayloadKB caps the entity payload size.
	MaxPayloadKB int `yaml:"max_payload_kb"`
	// MaxScheduleAhead caps how far in the future a due date can be set.
	// Go duration string, e.g. "2160h" for 90 days. Empty = no cap.
	MaxScheduleAhead string `yaml:"max_schedule_ahead"`
}

// DispatcherConfig controls the worker pool that executes due jobs.
type DispatcherConfig struct {
	Workers        int   `yaml:"workers"`
	PollIntervalMs int64 `yaml:"poll_interval_ms"`
	// PublishTimeoutMs bounds a single publish-action invocation.
	PublishTimeoutMs int64 `yaml:"publish_timeout_ms"`
}

// PublisherConfig controls the default webhook publish action.
type PublisherConfig struct {
	// URL is the webhook endpoint that receives published entities.
	// Empty disables the webhook publisher (the log publisher is used).
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LimitsConfig sets per-client request rate limiting at the HTTP edge.
type LimitsConfig struct {
	// MaxRate is requests per second per client.
	MaxRate float64 `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Store: StoreConfig{
			Driver:        StoreBolt,
			MongoDatabase: "stagehand",
		},
		Queue: QueueConfig{
			VisibilityTimeoutMs: 30_000,
			MaxAttempts:         3,
			RetryBaseDelayMs:    5_000,
			ReaperIntervalMs:    500,
			MaxPayloadKB:        256,
			MaxScheduleAhead:    "2160h", // 90 days
		},
		Dispatcher: DispatcherConfig{
			Workers:          4,
			PollIntervalMs:   500,
			PublishTimeoutMs: 10_000,
		},
		Publisher: PublisherConfig{
			TimeoutMs: 5_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Limits: LimitsConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run stagehand with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	STAGEHAND_AUTH_API_KEY — sets auth.api_key and enables auth
//	STAGEHAND_DATA_DIR     — sets node.data_dir
//	STAGEHAND_PORT         — sets node.port
//	STAGEHAND_MONGO_URI    — sets store.mongo_uri and store.driver = mongo
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STAGEHAND_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("STAGEHAND_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("STAGEHAND_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("STAGEHAND_MONGO_URI"); v != "" {
		cfg.Store.MongoURI = v
		cfg.Store.Driver = StoreMongo
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Store.Driver {
	case StoreBolt:
		// no extra settings required
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return errors.New(`store.mongo_uri is required when store.driver is "mongo"`)
		}
		if c.Store.MongoDatabase == "" {
			return errors.New(`store.mongo_database must not be empty`)
		}
	default:
		return errors.New(`store.driver must be one of "bolt", "mongo"`)
	}
	if c.Queue.VisibilityTimeoutMs < 1 {
		return errors.New("queue.visibility_timeout_ms must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.RetryBaseDelayMs < 1 {
		return errors.New("queue.retry_base_delay_ms must be at least 1")
	}
	if c.Queue.MaxPayloadKB < 1 {
		return errors.New("queue.max_payload_kb must be at least 1")
	}
	if _, err := c.MaxScheduleAhead(); err != nil {
		return fmt.Errorf("queue.max_schedule_ahead: %w", err)
	}
	if c.Dispatcher.Workers < 1 {
		return errors.New("dispatcher.workers must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// MaxScheduleAhead parses the queue.max_schedule_ahead duration string.
// An empty value means no cap.
func (c *Config) MaxScheduleAhead() (time.Duration, error) {
	if c.Queue.MaxScheduleAhead == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Queue.MaxScheduleAhead)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", c.Queue.MaxScheduleAhead)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
