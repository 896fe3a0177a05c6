package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Environment string
	ServerPort  int
	LogLevel    string

	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabaseSSLMode  string

	RedisURL string

	// KafkaBrokers empty means the Kafka findings sink stays off.
	KafkaBrokers       []string
	KafkaFindingsTopic string

	JWTSecret string

	AuditIntervalMinutes int
	AuditBatchSize       int
	AuditWorkers         int
	FindingBufferSize    int
	DedupWindowMinutes   int

	InvitationTTLHours  int
	AcceptRatePerMinute int

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	auditInterval, err := strconv.Atoi(getEnv("AUDIT_INTERVAL_MINUTES", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_INTERVAL_MINUTES: %w", err)
	}

	auditBatchSize, err := strconv.Atoi(getEnv("AUDIT_BATCH_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_BATCH_SIZE: %w", err)
	}

	auditWorkers, err := strconv.Atoi(getEnv("AUDIT_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_WORKERS: %w", err)
	}

	findingBuffer, err := strconv.Atoi(getEnv("FINDING_BUFFER_SIZE", "256"))
	if err != nil {
		return nil, fmt.Errorf("invalid FINDING_BUFFER_SIZE: %w", err)
	}

	dedupWindow, err := strconv.Atoi(getEnv("DEDUP_WINDOW_MINUTES", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEDUP_WINDOW_MINUTES: %w", err)
	}

	invitationTTL, err := strconv.Atoi(getEnv("INVITATION_TTL_HOURS", "168"))
	if err != nil {
		return nil, fmt.Errorf("invalid INVITATION_TTL_HOURS: %w", err)
	}

	acceptRate, err := strconv.Atoi(getEnv("ACCEPT_RATE_PER_MINUTE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid ACCEPT_RATE_PER_MINUTE: %w", err)
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  port,
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseHost:     getEnv("DB_HOST", "localhost"),
		DatabasePort:     dbPort,
		DatabaseUser:     getEnv("DB_USER", "propaccess"),
		DatabasePassword: getEnv("DB_PASSWORD", "dev"),
		DatabaseName:     getEnv("DB_NAME", "propaccess"),
		DatabaseSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		KafkaBrokers:       parseCSVEnv("KAFKA_BROKERS", nil),
		KafkaFindingsTopic: getEnv("KAFKA_FINDINGS_TOPIC", "propaccess.findings"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		AuditIntervalMinutes: auditInterval,
		AuditBatchSize:       auditBatchSize,
		AuditWorkers:         auditWorkers,
		FindingBufferSize:    findingBuffer,
		DedupWindowMinutes:   dedupWindow,

		InvitationTTLHours:  invitationTTL,
		AcceptRatePerMinute: acceptRate,

		CORSAllowedOrigins: parseCSVEnv("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:3000",
		}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
