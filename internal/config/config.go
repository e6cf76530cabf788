// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment wins over file, file
// wins over defaults, so a deployment can ship one config file and tweak
// individual knobs per instance.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/gary322/flashbets-sub012/internal/core"
)

// Config is the full service configuration.
type Config struct {
	NATSUrl     string `yaml:"nats_url"`
	PostgresURL string `yaml:"postgres_url"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	MigrationsDir string `yaml:"migrations_dir"`

	// AuthorityID is the operator identity allowed to trigger emergency
	// shutdown and resume. Empty disables the capability entirely.
	AuthorityID string `yaml:"authority_id"`

	PersistBufferSize    int `yaml:"persist_buffer_size"`
	ProjectionBufferSize int `yaml:"projection_buffer_size"`
	PublishBufferSize    int `yaml:"publish_buffer_size"`

	PersistBatchSize   int `yaml:"persist_batch_size"`
	PersistFlushMillis int `yaml:"persist_flush_millis"`

	// SnapshotIntervalEvents is how many applied events between automatic
	// snapshots. Zero disables periodic snapshots.
	SnapshotIntervalEvents int64 `yaml:"snapshot_interval_events"`

	Engine core.EngineConfig `yaml:"engine"`
}

// Default returns the production defaults used when neither the file nor
// the environment sets a value.
func Default() Config {
	return Config{
		NATSUrl:                "nats://localhost:4222",
		PostgresURL:            "postgres://localhost:5432/riskengine?sslmode=disable",
		HTTPAddr:               ":8080",
		MetricsAddr:            ":9090",
		MigrationsDir:          "migrations",
		PersistBufferSize:      10_000,
		ProjectionBufferSize:   10_000,
		PublishBufferSize:      10_000,
		PersistBatchSize:       100,
		PersistFlushMillis:     100,
		SnapshotIntervalEvents: 10_000,
		Engine:                 core.DefaultEngineConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NATSUrl = envOrDefault("RISK_NATS_URL", c.NATSUrl)
	c.PostgresURL = envOrDefault("RISK_POSTGRES_URL", c.PostgresURL)
	c.HTTPAddr = envOrDefault("RISK_HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = envOrDefault("RISK_METRICS_ADDR", c.MetricsAddr)
	c.MigrationsDir = envOrDefault("RISK_MIGRATIONS_DIR", c.MigrationsDir)
	c.AuthorityID = envOrDefault("RISK_AUTHORITY_ID", c.AuthorityID)

	c.PersistBufferSize = envIntOrDefault("RISK_PERSIST_BUFFER", c.PersistBufferSize)
	c.ProjectionBufferSize = envIntOrDefault("RISK_PROJECTION_BUFFER", c.ProjectionBufferSize)
	c.PublishBufferSize = envIntOrDefault("RISK_PUBLISH_BUFFER", c.PublishBufferSize)
	c.PersistBatchSize = envIntOrDefault("RISK_PERSIST_BATCH", c.PersistBatchSize)
	c.PersistFlushMillis = envIntOrDefault("RISK_PERSIST_FLUSH_MS", c.PersistFlushMillis)
	c.SnapshotIntervalEvents = int64(envIntOrDefault("RISK_SNAPSHOT_INTERVAL",
		int(c.SnapshotIntervalEvents)))
}

func (c *Config) validate() error {
	if c.PersistBufferSize <= 0 {
		return fmt.Errorf("persist_buffer_size must be positive, got %d", c.PersistBufferSize)
	}
	if c.PersistBatchSize <= 0 {
		return fmt.Errorf("persist_batch_size must be positive, got %d", c.PersistBatchSize)
	}
	if c.PersistFlushMillis <= 0 {
		return fmt.Errorf("persist_flush_millis must be positive, got %d", c.PersistFlushMillis)
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be positive, got %d", c.Engine.QueueCapacity)
	}
	if c.Engine.MinCapFractionBps > c.Engine.MaxCapFractionBps {
		return fmt.Errorf("engine cap clamps inverted: min %d > max %d",
			c.Engine.MinCapFractionBps, c.Engine.MaxCapFractionBps)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
