package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	// SnowflakeNode distinguishes ID generators across instances.
	SnowflakeNode int64

	Store   StoreConfig
	Redis   RedisConfig
	Metrics MetricsConfig
	Audit   AuditConfig
}

// StoreConfig points at the partitioned key-value table backing all
// entities.
type StoreConfig struct {
	Region string
	// Endpoint overrides the service endpoint (DynamoDB Local in dev).
	Endpoint string
	Table    string
}

// RedisConfig configures the optional subscription-resolution cache.
// An empty Addr disables caching entirely.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TTLSeconds int
}

type MetricsConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

// AuditConfig sizes the best-effort audit event buffer.
type AuditConfig struct {
	BufferSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:       getenv("APP_SERVICE", "quotaledger"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		Store: StoreConfig{
			Region:   getenv("STORE_REGION", "us-east-1"),
			Endpoint: strings.TrimSpace(getenv("STORE_ENDPOINT", "")),
			Table:    getenv("STORE_TABLE", "quotaledger"),
		},
		Redis: RedisConfig{
			Addr:       strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:   getenv("REDIS_PASSWORD", ""),
			DB:         int(getenvInt64("REDIS_DB", 0)),
			TTLSeconds: int(getenvInt64("REDIS_TTL_SECONDS", 30)),
		},
		Metrics: MetricsConfig{
			Enabled:  getenvBool("METRICS_ENABLED", false),
			Exporter: strings.ToLower(getenv("METRICS_EXPORTER", "grpc")),
			Endpoint: strings.TrimSpace(getenv("METRICS_ENDPOINT", "localhost:4317")),
		},
		Audit: AuditConfig{
			BufferSize: int(getenvInt64("AUDIT_BUFFER_SIZE", 1024)),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
