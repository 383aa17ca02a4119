package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers  []string
	KafkaGroupID  string
	ProgressTopic string
	RequestsTopic string
	DLQTopic      string

	// Reconciliation
	CatalogPath      string
	MatchPrefixLen   int
	ReconcileWorkers int
	RunRetention     time.Duration
	StatusTTL        time.Duration

	// Spreadsheet export (optional; empty credentials disable the upload step)
	SheetsCredentialsFile string
	SheetsSpreadsheetID   string
	SheetsTimeout         time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxUploadBytes: int64(getIntEnv("MAX_UPLOAD_BYTES", 32*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "reconciler"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "reconciler123"),
		PostgresDB:       getEnv("POSTGRES_DB", "reconciler"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:  getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "reconciler-service"),
		ProgressTopic: getEnv("PROGRESS_TOPIC", "reconciliation.progress"),
		RequestsTopic: getEnv("REQUESTS_TOPIC", "reconciliation.requests"),
		DLQTopic:      getEnv("DLQ_TOPIC", "reconciliation.dlq"),

		CatalogPath:      getEnv("CATALOG_PATH", ""),
		MatchPrefixLen:   getIntEnv("MATCH_PREFIX_LEN", 3),
		ReconcileWorkers: getIntEnv("RECONCILE_WORKERS", 3),
		RunRetention:     getDuration("RUN_RETENTION", 30*24*time.Hour),
		StatusTTL:        getDuration("STATUS_TTL", 24*time.Hour),

		SheetsCredentialsFile: getEnv("SHEETS_CREDENTIALS_FILE", ""),
		SheetsSpreadsheetID:   getEnv("SHEETS_SPREADSHEET_ID", ""),
		SheetsTimeout:         getDuration("SHEETS_TIMEOUT", 20*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
