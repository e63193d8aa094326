package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for FlowCatalyst
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (NATS or SQS)
	Queue QueueConfig

	// Leader election configuration
	Leader LeaderConfig

	// Router configuration (pool/queue config reconciliation, pool limits)
	Router RouterConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// Backend selects the lease store: "mongo" (default) or "redis"
	Backend string

	// RedisURL is the Redis connection string, required when Backend is "redis"
	RedisURL string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// RouterConfig holds message router reconciliation and pool-limit settings
type RouterConfig struct {
	// ConfigSyncEnabled controls whether pool/queue config is periodically
	// reconciled from the database
	ConfigSyncEnabled bool

	// ConfigSyncInterval is how often to reconcile pool/queue configs
	ConfigSyncInterval time.Duration

	// MaxPools is the hard cap on concurrent processing pools
	MaxPools int

	// PoolWarningThreshold warns once pool count approaches MaxPools
	PoolWarningThreshold int
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Backend:         getEnv("LEADER_BACKEND", "mongo"),
			RedisURL:        getEnv("LEADER_REDIS_URL", "redis://localhost:6379"),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		Router: RouterConfig{
			ConfigSyncEnabled:    getEnvBool("ROUTER_CONFIG_SYNC_ENABLED", false),
			ConfigSyncInterval:   getEnvDuration("ROUTER_CONFIG_SYNC_INTERVAL", 5*time.Minute),
			MaxPools:             getEnvInt("ROUTER_MAX_POOLS", 500),
			PoolWarningThreshold: getEnvInt("ROUTER_POOL_WARNING_THRESHOLD", 400),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
