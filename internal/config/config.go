package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/billingcore/pkg/db"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string
	NodeID      int64

	OTLPEndpoint   string
	TracingEnabled bool

	Database db.Config
	Redis    RedisConfig
	Kafka    KafkaConfig
	SMTP     SMTPConfig

	// AutomationSchedule is the cron expression that triggers the daily run.
	AutomationSchedule string
	// AutomationConfigPath is an extra directory searched for automation.yml.
	AutomationConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 && c.Topic != "" }

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" && c.From != "" }

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:        getenv("APP_SERVICE", "billingcore"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Environment:    getenv("ENVIRONMENT", "development"),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		NodeID:         getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: getenvBool("TRACING_ENABLED", false),
		Database: db.Config{
			Type:            getenv("DATABASE_TYPE", db.TypePostgres),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "billing"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", ""),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			Path:            getenv("DATABASE_PATH", ""),
			MaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
			MaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
			ConnMaxLifetime: getenvDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 10*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Kafka: KafkaConfig{
			Brokers:  splitList(getenv("KAFKA_BROKERS", "")),
			Topic:    getenv("KAFKA_TOPIC", "billing.notifications"),
			ClientID: getenv("KAFKA_CLIENT_ID", "billingcore"),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     int(getenvInt64("SMTP_PORT", 587)),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", ""),
		},
		AutomationSchedule:   getenv("AUTOMATION_SCHEDULE", "5 0 * * *"),
		AutomationConfigPath: getenv("AUTOMATION_CONFIG_PATH", ""),
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
