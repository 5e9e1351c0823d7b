package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string        `env:"APP_NAME" envDefault:"compassiq-api"`
	Port                          int           `env:"PORT" envDefault:"3000"`
	LogLevel                      string        `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs                    bool          `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int           `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerReadTimeoutSeconds  int           `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerIdleTimeoutSeconds  int           `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" envDefault:"10"`
	MaxHeaderBytes                int           `env:"HTTP_SERVER_MAX_HEADER_BYTES" envDefault:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int           `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" envDefault:"10"`
	AllowOrigins                  []string      `env:"HTTP_SERVER_ALLOW_ORIGINS" envDefault:"*"`
	AllowMethods                  []string      `env:"HTTP_SERVER_ALLOW_METHODS" envDefault:"GET,POST"`
	StartupMaxAttempts            int           `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`
	ShutdownTimeout               time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" envDefault:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" envDefault:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" envDefault:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" envDefault:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" envDefault:""`
	// Database name
	DatabaseName string `env:"DB_NAME" envDefault:"compassiq"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" envDefault:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	// Database Migration Version, 0 means latest
	DatabaseMigrationVersion uint `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`

	// When false, sessions come from the X-Tenant-ID / X-User-ID / X-User-Role headers
	AuthEnabled bool `env:"AUTH_ENABLED" envDefault:"false"`
	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" envDefault:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" envDefault:""`

	RedisEnabled bool `env:"REDIS_ENABLED" envDefault:"false"`
	// Redis host
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" envDefault:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" envDefault:"0"`
	// How long a computed KPI snapshot is served from redis
	KPICacheTTL time.Duration `env:"KPI_CACHE_TTL" envDefault:"60s"`

	KafkaEnabled bool `env:"KAFKA_ENABLED" envDefault:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	// Topic for metric.recorded notifications
	KafkaMetricTopic string `env:"KAFKA_METRIC_TOPIC" envDefault:"compassiq.metrics"`
	KafkaBatchSize   int    `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	// -1 all, 0 none, 1 leader
	KafkaRequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" envDefault:"1"`
	KafkaCompression  string        `env:"KAFKA_COMPRESSION" envDefault:"snappy"`
	KafkaWriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"5s"`

	// OTLP endpoint, console exporter when empty
	OtelExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	// grpc or http
	OtelExporterProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OtelExporterInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	IngestMaxBodyBytes      string `env:"INGEST_MAX_BODY_BYTES" envDefault:"1M"`
	KPIOverrideLookbackDays int    `env:"KPI_OVERRIDE_LOOKBACK_DAYS" envDefault:"90"`
	MappingCacheMaxSize     int    `env:"MAPPING_CACHE_MAX_SIZE" envDefault:"1000"`
	MappingCacheTTLSeconds  int    `env:"MAPPING_CACHE_TTL_SECONDS" envDefault:"60"`
	StaleRunAfterMinutes    int    `env:"STALE_RUN_AFTER_MINUTES" envDefault:"15"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return errors.New("AUTH_ISSUER_URL and AUTH_CLIENT_ID are required when AUTH_ENABLED is set")
	}
	switch strings.ToLower(c.OtelExporterProtocol) {
	case "grpc", "http":
	default:
		return fmt.Errorf("unsupported OTEL_EXPORTER_OTLP_PROTOCOL %q", c.OtelExporterProtocol)
	}
	if c.KPIOverrideLookbackDays <= 0 {
		return errors.New("KPI_OVERRIDE_LOOKBACK_DAYS must be positive")
	}
	return nil
}

func (c Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c Config) MappingCacheTTL() time.Duration {
	return time.Duration(c.MappingCacheTTLSeconds) * time.Second
}

func (c Config) StaleRunAfter() time.Duration {
	return time.Duration(c.StaleRunAfterMinutes) * time.Minute
}
