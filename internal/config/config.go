// Package config loads the daemon configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/blobqueue/internal/format"
)

type Config struct {
	ReplicaID   string            `yaml:"replica_id"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	QueueLog    QueueLogConfig    `yaml:"queue_log"`
	Tables      []TableConfig     `yaml:"tables"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CoordinatorConfig struct {
	// Endpoints of the ZooKeeper ensemble. The special value ["memory"]
	// selects the in-process store for single-node runs.
	Endpoints        []string `yaml:"endpoints"`
	SessionTimeoutMs uint64   `yaml:"session_timeout_ms"`
	Prefix           string   `yaml:"prefix"`

	// MultireadBatchSize bounds batched coordinator reads per request round.
	MultireadBatchSize int `yaml:"multiread_batch_size"`
}

type QueueLogConfig struct {
	Path string `yaml:"path"`
}

type TableConfig struct {
	Name         string            `yaml:"name"`
	Engine       string            `yaml:"engine"` // "S3Queue" | "AzureQueue"
	Bucket       string            `yaml:"bucket"`
	Region       string            `yaml:"region"`
	Endpoint     string            `yaml:"endpoint"`
	StorageAccount string          `yaml:"storage_account"`
	Path         string            `yaml:"path"`
	Format       string            `yaml:"format"`
	Columns      []format.Column   `yaml:"columns"`
	Settings     map[string]string `yaml:"settings"`
	Sink         SinkConfig        `yaml:"sink"`
}

type SinkConfig struct {
	View        string `yaml:"view"`
	TargetTable string `yaml:"target_table"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Load reads the YAML file and applies environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BLOBQUEUE_REPLICA_ID"); v != "" {
		c.ReplicaID = v
	}
	if v := os.Getenv("BLOBQUEUE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BLOBQUEUE_METRICS_ADDR"); v != "" {
		c.Metrics.Address = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("BLOBQUEUE_ZK_ENDPOINTS"); v != "" {
		c.Coordinator.Endpoints = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if len(c.Coordinator.Endpoints) == 0 {
		c.Coordinator.Endpoints = []string{"memory"}
	}
	if c.Coordinator.SessionTimeoutMs == 0 {
		c.Coordinator.SessionTimeoutMs = 10000
	}
	if c.Coordinator.Prefix == "" {
		c.Coordinator.Prefix = "/blobqueue"
	}
	if c.Coordinator.MultireadBatchSize == 0 {
		c.Coordinator.MultireadBatchSize = 100
	}
}
