package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP    TOMLHTTPConfig   `toml:"http"`
	MongoDB TOMLMongoDBConfig `toml:"mongodb"`
	Queue   TOMLQueueConfig  `toml:"queue"`
	Leader  TOMLLeaderConfig `toml:"leader"`
	Router  TOMLRouterConfig `toml:"router"`
	DataDir string           `toml:"data_dir"`
	DevMode bool             `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	RedisURL        string `toml:"redis_url"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLRouterConfig represents message router configuration in TOML
type TOMLRouterConfig struct {
	ConfigSyncEnabled    bool   `toml:"config_sync_enabled"`
	ConfigSyncInterval   string `toml:"config_sync_interval"`
	MaxPools             int    `toml:"max_pools"`
	PoolWarningThreshold int    `toml:"pool_warning_threshold"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			Backend:    tc.Leader.Backend,
			RedisURL:   tc.Leader.RedisURL,
			InstanceID: tc.Leader.InstanceID,
		},
		Router: RouterConfig{
			ConfigSyncEnabled:    tc.Router.ConfigSyncEnabled,
			MaxPools:             tc.Router.MaxPools,
			PoolWarningThreshold: tc.Router.PoolWarningThreshold,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}
	if tc.Router.ConfigSyncInterval != "" {
		if d, err := time.ParseDuration(tc.Router.ConfigSyncInterval); err == nil {
			cfg.Router.ConfigSyncInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs. A value from override replaces the base
// value only when it is set and differs from the environment default.
// CORS origins from override always replace the base list. SQS wait time and
// visibility timeout, the leader Redis URL, TTL and refresh interval, and the
// router config-sync interval and pool warning threshold are not merged:
// they always come from base.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "flowcatalyst" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" && override.Queue.NATS.URL != "nats://localhost:4222" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" && override.Queue.NATS.DataDir != "./data/nats" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" && override.Queue.SQS.Region != "us-east-1" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.Backend != "" && override.Leader.Backend != "mongo" {
		result.Leader.Backend = override.Leader.Backend
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// Router
	if override.Router.ConfigSyncEnabled {
		result.Router.ConfigSyncEnabled = true
	}
	if override.Router.MaxPools != 0 && override.Router.MaxPools != 500 {
		result.Router.MaxPools = override.Router.MaxPools
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[leader]
enabled = false
backend = "mongo"  # mongo or redis
redis_url = "redis://localhost:6379"
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

[router]
config_sync_enabled = false
config_sync_interval = "5m"
max_pools = 500
pool_warning_threshold = 400

data_dir = "./data"
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
